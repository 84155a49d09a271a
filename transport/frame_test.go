package transport

import (
	"bytes"
	"testing"
)

func TestClassifyLeaderProbe(t *testing.T) {
	f := Classify(EncodeLeaderProbe())
	if f.Kind != KindLeaderProbe {
		t.Errorf("Kind = %v, want KindLeaderProbe", f.Kind)
	}
}

func TestClassifyLeaderReply(t *testing.T) {
	f := Classify(EncodeLeaderReply("127.0.0.1:8082"))
	if f.Kind != KindLeaderReply {
		t.Fatalf("Kind = %v, want KindLeaderReply", f.Kind)
	}
	if f.Addr != "127.0.0.1:8082" {
		t.Errorf("Addr = %q, want 127.0.0.1:8082", f.Addr)
	}
}

func TestClassifyNotLeader(t *testing.T) {
	f := Classify(EncodeNotLeader("127.0.0.1:8083"))
	if f.Kind != KindNotLeader {
		t.Fatalf("Kind = %v, want KindNotLeader", f.Kind)
	}
	if f.Addr != "127.0.0.1:8083" {
		t.Errorf("Addr = %q, want 127.0.0.1:8083", f.Addr)
	}
}

func TestClassifyEnd(t *testing.T) {
	if got := Classify(EncodeEnd()).Kind; got != KindEnd {
		t.Errorf("Kind = %v, want KindEnd", got)
	}
}

func TestClassifyAck(t *testing.T) {
	f := Classify(EncodeAck(42))
	if f.Kind != KindAck {
		t.Fatalf("Kind = %v, want KindAck", f.Kind)
	}
	if f.Seq != 42 {
		t.Errorf("Seq = %d, want 42", f.Seq)
	}
}

func TestClassifyData(t *testing.T) {
	payload := []byte("x")
	f := Classify(EncodeData(7, payload))
	if f.Kind != KindData {
		t.Fatalf("Kind = %v, want KindData", f.Kind)
	}
	if f.Seq != 7 {
		t.Errorf("Seq = %d, want 7", f.Seq)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Errorf("Payload = %v, want %v", f.Payload, payload)
	}
}

func TestClassifyMalformed(t *testing.T) {
	cases := [][]byte{nil, {}, {1}, {1, 2, 3}}
	for _, c := range cases {
		if got := Classify(c).Kind; got != KindMalformed {
			t.Errorf("Classify(%v).Kind = %v, want KindMalformed", c, got)
		}
	}
}

func TestChunksZeroBytePayload(t *testing.T) {
	if chunks := Chunks(nil); chunks != nil {
		t.Errorf("Chunks(nil) = %v, want nil", chunks)
	}
	if chunks := Chunks([]byte{}); chunks != nil {
		t.Errorf("Chunks([]byte{}) = %v, want nil", chunks)
	}
}

func TestChunksSingleBytePayload(t *testing.T) {
	chunks := Chunks([]byte{0x42})
	if len(chunks) != 1 || len(chunks[0]) != 1 {
		t.Fatalf("Chunks([1 byte]) = %v, want one 1-byte chunk", chunks)
	}
}

func TestChunksSizeAlignedPayload(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, MaxPayload*2)
	chunks := Chunks(payload)
	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	for i, c := range chunks {
		if len(c) != MaxPayload {
			t.Errorf("chunk %d len = %d, want %d", i, len(c), MaxPayload)
		}
	}
	var reassembled []byte
	for _, c := range chunks {
		reassembled = append(reassembled, c...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Error("reassembled chunks do not match original payload")
	}
}

func TestChunksUnalignedPayload(t *testing.T) {
	payload := bytes.Repeat([]byte{0xCD}, MaxPayload+1)
	chunks := Chunks(payload)
	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	if len(chunks[0]) != MaxPayload || len(chunks[1]) != 1 {
		t.Errorf("chunk sizes = [%d %d], want [%d 1]", len(chunks[0]), len(chunks[1]), MaxPayload)
	}
}

func TestEncodeDataRoundTripsSeq(t *testing.T) {
	for _, seq := range []uint32{0, 1, 42, 1 << 31} {
		f := Classify(EncodeData(seq, []byte("p")))
		if f.Seq != seq {
			t.Errorf("Classify(EncodeData(%d, ...)).Seq = %d, want %d", seq, f.Seq, seq)
		}
	}
}
