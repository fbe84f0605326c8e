package audio

// Framer re-blocks an incoming PCM byte stream into fixed-size sample blocks.
// Clients deliver whatever packet sizes their transport produces; the capture
// graph downstream (metering, STT forwarding) wants uniform blocks.
//
// Not safe for concurrent use; confine a Framer to one goroutine.
type Framer struct {
	blockBytes int
	buf        []byte
}

// NewFramer creates a Framer emitting blocks of blockSamples 16-bit mono
// samples. blockSamples must be positive.
func NewFramer(blockSamples int) *Framer {
	if blockSamples <= 0 {
		blockSamples = BlockSamples
	}
	return &Framer{blockBytes: blockSamples * 2}
}

// Push appends pcm to the internal buffer and returns all complete blocks now
// available. The returned slices are freshly allocated and safe to retain.
func (f *Framer) Push(pcm []byte) [][]byte {
	f.buf = append(f.buf, pcm...)

	var blocks [][]byte
	for len(f.buf) >= f.blockBytes {
		block := make([]byte, f.blockBytes)
		copy(block, f.buf[:f.blockBytes])
		blocks = append(blocks, block)
		f.buf = f.buf[f.blockBytes:]
	}
	return blocks
}

// Flush returns any buffered partial block and resets the buffer. Used when a
// stream ends so trailing audio is not silently dropped.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	f.buf = f.buf[:0]
	return out
}
