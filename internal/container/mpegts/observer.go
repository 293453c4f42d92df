package mpegts

import (
	"errors"
	"io"
)

const (
	packetSize = 188
	syncByte   = 0x47
	// startsPerPID bounds the remembered unit starts of a PID nobody drains.
	startsPerPID = 8
)

// offsetReader counts the bytes read through it and remembers the offset of
// every packet that starts a payload unit, per PID. Units are handed out by
// the demuxer in the order they start, so popping the oldest remembered
// offset yields the start of the unit just returned.
type offsetReader struct {
	r      io.Reader
	base   int64
	offset int64
	hdr    [3]byte
	starts map[uint16][]int64

	// resync drops bytes until a sync byte repeated one packet later.
	resync bool
	// carry holds bytes read while resynchronizing, served before r.
	carry []byte
	// next is a read error held back until carry drains.
	next error
	// err is the last read error other than io.EOF.
	err error
}

func newOffsetReader(r io.Reader, base int64) *offsetReader {
	return &offsetReader{
		r:      r,
		base:   base,
		offset: base,
		starts: make(map[uint16][]int64),
	}
}

func (o *offsetReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if o.resync {
		if err := o.sync(); err != nil {
			return 0, err
		}
	}
	if len(o.carry) > 0 {
		n := copy(p, o.carry)
		o.carry = o.carry[n:]
		o.observe(p[:n])
		return n, nil
	}
	if err := o.next; err != nil {
		o.next = nil
		return 0, err
	}

	n, err := o.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		o.err = err
	}
	o.observe(p[:n])
	return n, err
}

// sync drops bytes until a sync byte whose successor one packet later is
// also a sync byte. At the end of the input a trailing sync byte is accepted
// unverified. The bytes from the sync byte on are kept in carry.
func (o *offsetReader) sync() error {
	buf := o.carry
	o.carry = nil
	rerr := o.next
	o.next = nil
	chunk := make([]byte, 2*packetSize)
	for {
		i := 0
		for i < len(buf) && buf[i] != syncByte {
			i++
		}
		o.offset += int64(i)
		buf = buf[i:]

		if len(buf) > packetSize {
			if buf[packetSize] == syncByte {
				o.lock(buf, rerr)
				return nil
			}
			o.offset++
			buf = buf[1:]
			continue
		}
		if rerr != nil {
			if len(buf) > 0 {
				o.lock(buf, rerr)
				return nil
			}
			return rerr
		}

		n, err := o.r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				o.err = err
			}
			rerr = err
		}
	}
}

func (o *offsetReader) lock(buf []byte, next error) {
	o.resync = false
	o.base = o.offset
	o.carry = buf
	o.next = next
}

// Resync makes the next read drop bytes until packet alignment is found
// again. Remembered unit starts are forgotten.
func (o *offsetReader) Resync() {
	o.resync = true
	clear(o.starts)
}

func (o *offsetReader) observe(p []byte) {
	for i := 0; i < len(p); i++ {
		abs := o.offset + int64(i)
		rel := int((abs - o.base) % packetSize)
		if rel > 2 {
			i += packetSize - rel - 1
			continue
		}
		o.hdr[rel] = p[i]
		if rel == 2 {
			o.packet(abs - 2)
		}
	}
	o.offset += int64(len(p))
}

func (o *offsetReader) packet(start int64) {
	if o.hdr[0] != syncByte || o.hdr[1]&0x40 == 0 {
		return
	}
	pid := uint16(o.hdr[1]&0x1f)<<8 | uint16(o.hdr[2])
	s := append(o.starts[pid], start)
	if len(s) > startsPerPID {
		s = s[len(s)-startsPerPID:]
	}
	o.starts[pid] = s
}

// pop returns the oldest remembered unit start for pid, or -1.
func (o *offsetReader) pop(pid uint16) int64 {
	s := o.starts[pid]
	if len(s) == 0 {
		return -1
	}
	off := s[0]
	o.starts[pid] = s[1:]
	return off
}
