package egress

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/muxable/framerelay/internal/wire"
	"github.com/muxable/framerelay/pkg/relay"
	"github.com/pion/rtp"
	"github.com/pion/rtpio/pkg/rtpio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func videoFrame(pts uint32, size int) []byte {
	b := make([]byte, wire.HeaderSize+size)
	wire.PutVideoHeader(b, 0, pts)
	for i := wire.HeaderSize; i < len(b); i++ {
		b[i] = byte(i)
	}
	return b
}

func audioFrame(pts uint32, size int) []byte {
	b := make([]byte, wire.HeaderSize+size)
	wire.PutAudioHeader(b, 2, 2, 5, pts)
	return b
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(zaptest.NewLogger(t))
	s1, err := b.Subscribe(4)
	require.NoError(t, err)
	s2, err := b.Subscribe(4)
	require.NoError(t, err)

	buf := []byte{1, 2, 3}
	b.OnFrame(buf)
	buf[0] = 9

	assert.Equal(t, []byte{1, 2, 3}, <-s1.C)
	assert.Equal(t, []byte{1, 2, 3}, <-s2.C)
	assert.Equal(t, 2, b.Subscribers())

	s1.Close()
	s1.Close()
	_, ok := <-s1.C
	assert.False(t, ok)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBroadcaster_DropsOldest(t *testing.T) {
	b := NewBroadcaster(zaptest.NewLogger(t))
	s, err := b.Subscribe(2)
	require.NoError(t, err)

	for i := byte(0); i < 5; i++ {
		b.OnFrame([]byte{i})
	}
	assert.Equal(t, []byte{3}, <-s.C)
	assert.Equal(t, []byte{4}, <-s.C)
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(zaptest.NewLogger(t))
	s, err := b.Subscribe(1)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, ok := <-s.C
	assert.False(t, ok)
	s.Close()

	_, err = b.Subscribe(1)
	assert.ErrorIs(t, err, ErrClosed)
	b.OnFrame([]byte{1})
	b.OnError(relay.CodeEndOfStream, "done")
}

func TestServer_Frames(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logger := zaptest.NewLogger(t)
	b := NewBroadcaster(logger)

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterRelayServer(s, NewServer(b, 8, logger))
	served := make(chan error, 1)
	go func() { served <- s.Serve(lis) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	stream, err := NewClient(conn).Frames(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	want := [][]byte{videoFrame(0, 16), audioFrame(21, 8)}
	for _, f := range want {
		b.OnFrame(f)
	}
	for _, f := range want {
		got, err := stream.Recv()
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}

	require.NoError(t, b.Close())
	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, conn.Close())
	s.Stop()
	<-served
}

// udpPair returns a UDP writer connected to a loopback listener.
func udpPair(t *testing.T) (net.Conn, *net.UDPConn) {
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	require.NoError(t, l.SetReadDeadline(time.Now().Add(5*time.Second)))

	w, err := net.Dial("udp", l.LocalAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, l
}

func readPackets(t *testing.T, r rtpio.RTPReader, n int) []*rtp.Packet {
	packets := make([]*rtp.Packet, 0, n)
	for len(packets) < n {
		p, err := r.ReadRTP()
		require.NoError(t, err)
		packets = append(packets, p)
	}
	return packets
}

func TestRTPSender_RoundTrip(t *testing.T) {
	w, l := udpPair(t)
	s := NewRTPSender(w, RTPConfig{MTU: 112, PayloadType: 100, SSRC: 7}, zaptest.NewLogger(t))

	video := videoFrame(40, 250)
	audio := audioFrame(40, 50)
	s.OnFrame(video)
	s.OnFrame([]byte{0xAA})
	s.OnFrame(audio)

	// 258 bytes in 100 byte chunks, then one audio packet.
	packets := readPackets(t, rtpio.NewRTPReader(l, 1500), 4)
	for i, p := range packets[:3] {
		assert.Equal(t, uint8(100), p.PayloadType)
		assert.Equal(t, uint32(7), p.SSRC)
		assert.Equal(t, i == 2, p.Marker)
		assert.LessOrEqual(t, len(p.Payload), 100)
	}
	assert.Equal(t, packets[0].Timestamp, packets[2].Timestamp)
	assert.Equal(t, packets[0].SequenceNumber+1, packets[1].SequenceNumber)
	a := packets[3]
	assert.Equal(t, uint8(101), a.PayloadType)
	assert.Equal(t, uint32(8), a.SSRC)
	assert.True(t, a.Marker)

	r := NewReassembler()
	var frames [][]byte
	for _, p := range packets {
		f, err := r.Push(p)
		require.NoError(t, err)
		if f != nil {
			frames = append(frames, f)
		}
	}
	require.Len(t, frames, 2)
	assert.True(t, bytes.Equal(video, frames[0]))
	assert.True(t, bytes.Equal(audio, frames[1]))
}

func TestRTPSender_Timestamps(t *testing.T) {
	w, l := udpPair(t)
	s := NewRTPSender(w, RTPConfig{}, zaptest.NewLogger(t))

	s.OnFrame(videoFrame(0, 8))
	s.OnFrame(videoFrame(40, 8))
	s.OnFrame(audioFrame(0, 8))
	s.OnFrame(audioFrame(1000, 8))

	packets := readPackets(t, rtpio.NewRTPReader(l, 1500), 4)
	assert.Equal(t, uint32(40*90), packets[1].Timestamp-packets[0].Timestamp)
	assert.Equal(t, uint32(1000*48), packets[3].Timestamp-packets[2].Timestamp)
	assert.Equal(t, uint8(96), packets[0].PayloadType)
}

func TestReassembler_Gap(t *testing.T) {
	w, l := udpPair(t)
	s := NewRTPSender(w, RTPConfig{MTU: 62}, zaptest.NewLogger(t))
	first := videoFrame(0, 142)
	second := videoFrame(40, 42)
	s.OnFrame(first)
	s.OnFrame(second)
	packets := readPackets(t, rtpio.NewRTPReader(l, 1500), 4)

	r := NewReassembler()
	_, err := r.Push(packets[0])
	require.NoError(t, err)
	_, err = r.Push(packets[2])
	assert.ErrorIs(t, err, ErrSequenceGap)

	f, err := r.Push(packets[3])
	require.NoError(t, err)
	assert.Equal(t, second, f)
}

func TestReassembler_ReadFrames(t *testing.T) {
	w, l := udpPair(t)
	s := NewRTPSender(w, RTPConfig{MTU: 62}, zaptest.NewLogger(t))
	sent := [][]byte{videoFrame(0, 142), audioFrame(0, 20), videoFrame(40, 42)}
	for _, f := range sent {
		s.OnFrame(f)
	}

	var got [][]byte
	err := NewReassembler().ReadFrames(rtpio.NewRTPReader(l, 1500), func(f []byte) {
		got = append(got, f)
		if len(got) == len(sent) {
			l.SetReadDeadline(time.Now())
		}
	})
	require.Error(t, err)
	assert.Equal(t, sent, got)
}
