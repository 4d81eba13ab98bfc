package parallel

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/anyres/anyres/ml/backend/cpu"
)

func TestWireRoundTrip(t *testing.T) {
	ctx := cpu.New().NewContext()

	// large enough to trip compression
	data := make([]float32, 1024)
	for i := range data {
		data[i] = float32(i % 7)
	}
	in := ctx.FromFloats(data, 8, 128)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- Send(client, in)
	}()

	out, err := Recv(server, ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	if diff := cmp.Diff(in.Shape(), out.Shape()); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(in.Floats(), out.Floats()); diff != "" {
		t.Errorf("data (-want +got):\n%s", diff)
	}
}

func TestWireSmallUncompressed(t *testing.T) {
	ctx := cpu.New().NewContext()
	in := ctx.FromInts([]int32{5, 5, -200, 7, 7}, 5)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- Send(client, in)
	}()

	out, err := Recv(server, ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	if diff := cmp.Diff(in.Ints(), out.Ints()); diff != "" {
		t.Errorf("data (-want +got):\n%s", diff)
	}
}
