package coap

import (
	"sync"
	"time"

	"github.com/coreraft/raftnet/rerr"
)

// BlockDescriptor is the decoded content of a Block1/Block2 option: block
// number, whether more blocks follow, and the negotiated block size
// (RFC 7959).
type BlockDescriptor struct {
	Num  int
	More bool
	Size int
}

// szxForSize maps a block size (must be a power of two in [16, 1024]) to its
// 3-bit SZX exponent.
func szxForSize(size int) (uint8, error) {
	for szx := uint8(0); szx <= 6; szx++ {
		if 16<<szx == size {
			return szx, nil
		}
	}
	return 0, rerr.New(rerr.KindConfig, "coap.block", errBadBlockSize)
}

// EncodeBlockOption builds a Block1/Block2 option value per RFC 7959 §2.2:
// NUM in the high bits, an M (more) bit, then a 3-bit SZX.
func EncodeBlockOption(id OptionID, d BlockDescriptor) (Option, error) {
	szx, err := szxForSize(d.Size)
	if err != nil {
		return Option{}, err
	}
	var m uint32
	if d.More {
		m = 1
	}
	v := uint32(d.Num)<<4 | m<<3 | uint32(szx)

	var value []byte
	switch {
	case v <= 0xff:
		value = []byte{byte(v)}
	case v <= 0xffff:
		value = []byte{byte(v >> 8), byte(v)}
	default:
		value = []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	}
	return Option{ID: id, Value: value}, nil
}

// DecodeBlockOption parses a Block1/Block2 option value.
func DecodeBlockOption(opt Option) (BlockDescriptor, error) {
	if len(opt.Value) == 0 || len(opt.Value) > 3 {
		return BlockDescriptor{}, rerr.New(rerr.KindMalformed, "coap.block", errBadBlockOption)
	}
	var v uint32
	for _, b := range opt.Value {
		v = v<<8 | uint32(b)
	}
	szx := uint8(v & 0x7)
	more := v&0x8 != 0
	num := int(v >> 4)
	return BlockDescriptor{Num: num, More: more, Size: 16 << szx}, nil
}

// Block is one slice of a payload split for block-wise transfer.
type Block struct {
	Descriptor BlockDescriptor
	Data       []byte
}

// SplitBlocks splits payload into blocks of at most blockSize bytes (spec
// §4.3 step 5). A payload that fits in a single block still yields exactly
// one block with More=false.
func SplitBlocks(payload []byte, blockSize int) []Block {
	if blockSize <= 0 {
		blockSize = 1024
	}
	if len(payload) == 0 {
		return []Block{{Descriptor: BlockDescriptor{Num: 0, More: false, Size: blockSize}}}
	}
	var blocks []Block
	for off, num := 0, 0; off < len(payload); num++ {
		end := off + blockSize
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}
		blocks = append(blocks, Block{
			Descriptor: BlockDescriptor{Num: num, More: more, Size: blockSize},
			Data:       payload[off:end],
		})
		off = end
	}
	return blocks
}

// transferState is the reassembly context (server-side Block1, client-side
// Block2) for
// one in-progress block-wise transfer, keyed by token (spec §3,
// BlockTransferState).
type transferState struct {
	blockSize       int
	nextExpectedNum int
	buffer          []byte
	lastActivity    time.Time
}

// Reassembler tracks in-progress block-wise reassembly, one transferState
// per token (spec §4.4, "Block reassembly. Keyed by Token").
type Reassembler struct {
	mu           sync.Mutex
	states       map[string]*transferState
	idleTimeout  time.Duration
}

// NewReassembler returns a Reassembler that sweeps states idle longer than
// idleTimeout.
func NewReassembler(idleTimeout time.Duration) *Reassembler {
	return &Reassembler{
		states:      make(map[string]*transferState),
		idleTimeout: idleTimeout,
	}
}

// AddBlock feeds one received block for the given token. complete is true
// once the last block (More=false) has been received, at which point
// payload holds the full reassembled body and the state is removed. An
// out-of-order block number aborts and discards the state per spec §4.4
// ("Out-of-order ⇒ abort, discard state, return error").
func (r *Reassembler) AddBlock(token string, d BlockDescriptor, data []byte) (complete bool, payload []byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[token]
	if !ok {
		if d.Num != 0 {
			return false, nil, rerr.New(rerr.KindMalformed, "coap.reassemble", rerr.ErrBlockMismatch)
		}
		st = &transferState{blockSize: d.Size}
		r.states[token] = st
	}

	if d.Num != st.nextExpectedNum {
		delete(r.states, token)
		return false, nil, rerr.New(rerr.KindMalformed, "coap.reassemble", rerr.ErrBlockMismatch)
	}

	st.buffer = append(st.buffer, data...)
	st.nextExpectedNum++
	st.lastActivity = time.Now()

	if !d.More {
		delete(r.states, token)
		return true, st.buffer, nil
	}
	return false, nil, nil
}

// Abort discards any in-progress reassembly for token without error,
// e.g. on client teardown.
func (r *Reassembler) Abort(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, token)
}

// Sweep removes reassembly states idle longer than the configured timeout
// (spec §4.4, "Idle states older than a fixed threshold are swept").
func (r *Reassembler) Sweep() {
	if r.idleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.idleTimeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, st := range r.states {
		if st.lastActivity.Before(cutoff) {
			delete(r.states, token)
		}
	}
}

// Len reports the number of in-progress reassemblies, for tests and metrics.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

type blockErr string

func (e blockErr) Error() string { return string(e) }

var (
	errBadBlockSize   = blockErr("block size must be a power of two in [16, 1024]")
	errBadBlockOption = blockErr("block option value must be 1-3 bytes")
)
