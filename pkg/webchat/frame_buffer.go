package webchat

import "sync"

type bufferedFrame struct {
	seq uint64
	raw []byte
}

// frameBuffer keeps the most recent event frames of a conversation so a
// reconnecting client can resume from the last sequence number it saw.
type frameBuffer struct {
	mu     sync.Mutex
	max    int
	frames []bufferedFrame
}

func newFrameBuffer(limit int) *frameBuffer {
	if limit <= 0 {
		limit = 1000
	}
	return &frameBuffer{max: limit, frames: make([]bufferedFrame, 0, min(limit, 64))}
}

func (b *frameBuffer) Add(seq uint64, frame []byte) {
	if b == nil || len(frame) == 0 {
		return
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, bufferedFrame{seq: seq, raw: cp})
	if len(b.frames) > b.max {
		drop := len(b.frames) - b.max
		b.frames = append([]bufferedFrame(nil), b.frames[drop:]...)
	}
}

// Since returns the frames with a sequence number above seq. ok is false when
// the buffer no longer holds every frame after seq.
func (b *frameBuffer) Since(seq uint64) (out [][]byte, ok bool) {
	if b == nil {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) > 0 && b.frames[0].seq > seq+1 {
		return nil, false
	}
	for _, f := range b.frames {
		if f.seq <= seq {
			continue
		}
		cp := make([]byte, len(f.raw))
		copy(cp, f.raw)
		out = append(out, cp)
	}
	return out, true
}

func (b *frameBuffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}
