package media

// BufferFlags carries per-sample flags.
type BufferFlags uint8

const (
	// FlagKeyFrame marks a sample that can be decoded independently.
	FlagKeyFrame BufferFlags = 1 << iota
	// FlagEndOfStream marks the last (empty) buffer of a track.
	FlagEndOfStream
)

// Buffer is one encoded or decoded sample. A buffer is consumed exactly once;
// its owner clears it before handing it out again.
type Buffer struct {
	Data   []byte
	TimeUs int64
	Flags  BufferFlags
}

// IsKeyFrame reports whether the key-frame flag is set.
func (b *Buffer) IsKeyFrame() bool {
	return b.Flags&FlagKeyFrame != 0
}

// IsEndOfStream reports whether the end-of-stream flag is set.
func (b *Buffer) IsEndOfStream() bool {
	return b.Flags&FlagEndOfStream != 0
}

// SetEndOfStream marks the buffer as the end of its track and drops any data.
func (b *Buffer) SetEndOfStream() {
	b.Data = b.Data[:0]
	b.Flags = FlagEndOfStream
	b.TimeUs = TimeEndOfSource
}

// Clear resets the buffer so it can be refilled, keeping its backing array.
func (b *Buffer) Clear() {
	b.Data = b.Data[:0]
	b.TimeUs = 0
	b.Flags = 0
}

// CopyFrom replaces the contents of b with a copy of src.
func (b *Buffer) CopyFrom(src *Buffer) {
	b.Data = append(b.Data[:0], src.Data...)
	b.TimeUs = src.TimeUs
	b.Flags = src.Flags
}
