package runtime

// Builder assembles a program: header entries are collected separately from
// the body and joined with HEADER_END by Bytes. Offsets are body-relative.
type Builder struct {
	header []byte
	body   []byte
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Function registers a FUNCTION_JMP for id at the current body offset and
// starts the body with FUNCTION_DEF.
func (b *Builder) Function(id uint8, numArgs uint8) *Builder {
	b.header = append(b.header, FUNCTION_JMP, id, uint8(len(b.body)))
	return b.WriteU8(FUNCTION_DEF).WriteU8(id).WriteU8(numArgs)
}

func (b *Builder) StructDef(id uint8, members ...TypeId) *Builder {
	b.header = append(b.header, STRUCT_DEF, id, uint8(len(members)))
	b.header = append(b.header, members...)
	return b
}

// HeaderOp appends raw header bytes, for malformed headers in tests.
func (b *Builder) HeaderOp(op uint8, args ...uint8) *Builder {
	b.header = append(b.header, op)
	b.header = append(b.header, args...)
	return b
}

func (b *Builder) WriteU8(val uint8) *Builder {
	b.body = append(b.body, val)
	return b
}

func (b *Builder) Op(instr Instruction, args ...uint8) *Builder {
	b.body = append(b.body, instr)
	b.body = append(b.body, args...)
	return b
}

func (b *Builder) Int(val uint8) *Builder {
	return b.Op(INT, val)
}

func (b *Builder) StringLit(s string) *Builder {
	b.Op(STRING, uint8(len(s)))
	b.body = append(b.body, s...)
	return b
}

// Offset is the body offset the next instruction will be written at.
func (b *Builder) Offset() uint8 {
	return uint8(len(b.body))
}

// Patch overwrites a previously written body byte, typically a forward jump
// target.
func (b *Builder) Patch(at uint8, val uint8) *Builder {
	b.body[at] = val
	return b
}

func (b *Builder) Bytes() []byte {
	code := make([]byte, 0, len(b.header)+1+len(b.body))
	code = append(code, b.header...)
	code = append(code, HEADER_END)
	return append(code, b.body...)
}
