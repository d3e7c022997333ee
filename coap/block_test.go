package coap

import (
	"bytes"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/coreraft/raftnet/rerr"
)

func TestSplitBlocks_S7(t *testing.T) {
	// Scenario S7: 5000-byte payload, max_block_size=1024 -> 5 blocks of
	// 1024, 1024, 1024, 1024, 904.
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	blocks := SplitBlocks(payload, 1024)
	must.Eq(t, 5, len(blocks))
	wantSizes := []int{1024, 1024, 1024, 1024, 904}
	for i, b := range blocks {
		must.Eq(t, i, b.Descriptor.Num)
		must.Eq(t, wantSizes[i], len(b.Data))
		must.Eq(t, i < 4, b.Descriptor.More)
	}
}

func TestBlockOption_RoundTrip(t *testing.T) {
	d := BlockDescriptor{Num: 3, More: true, Size: 1024}
	opt, err := EncodeBlockOption(OptionBlock1, d)
	must.NoError(t, err)
	decoded, err := DecodeBlockOption(opt)
	must.NoError(t, err)
	must.Eq(t, d, decoded)
}

func TestReassembler_InOrder(t *testing.T) {
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	blocks := SplitBlocks(payload, 1024)

	r := NewReassembler(0)
	var got []byte
	var complete bool
	var err error
	for _, b := range blocks {
		complete, got, err = r.AddBlock("tok-1", b.Descriptor, b.Data)
		must.NoError(t, err)
	}
	must.True(t, complete)
	must.True(t, bytes.Equal(payload, got))
	must.Eq(t, 0, r.Len())
}

func TestReassembler_OutOfOrderAborts(t *testing.T) {
	r := NewReassembler(0)
	_, _, err := r.AddBlock("tok-2", BlockDescriptor{Num: 1, More: true, Size: 1024}, []byte("x"))
	must.Error(t, err)
	must.True(t, rerr.Is(err, rerr.KindMalformed))

	_, _, err = r.AddBlock("tok-3", BlockDescriptor{Num: 0, More: true, Size: 1024}, []byte("a"))
	must.NoError(t, err)
	_, _, err = r.AddBlock("tok-3", BlockDescriptor{Num: 2, More: false, Size: 1024}, []byte("b"))
	must.Error(t, err)
	must.Eq(t, 0, r.Len()) // aborted state discarded
}
