package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
)

// MediaSource supplies the local tracks a publisher sends. Tracks must
// survive being added to several peer connections in turn.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	Start(ctx context.Context) error
	Stop()
}

const (
	rtpMTU         = 1200
	opusClockRate  = 48000
	vp8ClockRate   = 90000
	audioFrameTime = 20 * time.Millisecond
	videoFrameTime = 33 * time.Millisecond
	keyFrameEvery  = 60
)

// SyntheticSource produces one Opus and one VP8 track filled with generated
// frames. It stands in for capture devices in the CLI and in tests.
type SyntheticSource struct {
	audio *webrtc.TrackLocalStaticRTP
	video *webrtc.TrackLocalStaticRTP

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSyntheticSource(streamID string) (*SyntheticSource, error) {
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: vp8ClockRate},
		"video",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}

	return &SyntheticSource{audio: audio, video: video}, nil
}

func (s *SyntheticSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

// Start begins writing packets. Writes before any peer connection is bound
// are discarded by the tracks.
func (s *SyntheticSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.New("source already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	audioPacketizer := rtp.NewPacketizer(rtpMTU, 0, 0, &codecs.OpusPayloader{}, rtp.NewRandomSequencer(), opusClockRate)
	videoPacketizer := rtp.NewPacketizer(rtpMTU, 0, 0, &codecs.VP8Payloader{EnablePictureID: true}, rtp.NewRandomSequencer(), vp8ClockRate)

	s.wg.Add(2)
	go s.pump(ctx, s.audio, audioPacketizer, audioFrameTime, opusFrame)
	go s.pump(ctx, s.video, videoPacketizer, videoFrameTime, vp8Frame)
	return nil
}

func (s *SyntheticSource) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

func (s *SyntheticSource) pump(
	ctx context.Context,
	track *webrtc.TrackLocalStaticRTP,
	packetizer rtp.Packetizer,
	frameTime time.Duration,
	frame func(n int) []byte,
) {
	defer s.wg.Done()

	ticker := time.NewTicker(frameTime)
	defer ticker.Stop()

	samples := uint32(frameTime.Seconds() * float64(clockRateOf(track)))
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// write errors only mean a bound connection went away
		for _, pkt := range packetizer.Packetize(frame(n), samples) {
			_ = track.WriteRTP(pkt)
		}
	}
}

func clockRateOf(track *webrtc.TrackLocalStaticRTP) uint32 {
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		return opusClockRate
	}
	return vp8ClockRate
}

// opusFrame is a single-frame Opus packet (TOC for 20ms CELT) with filler.
func opusFrame(int) []byte {
	frame := make([]byte, 40)
	frame[0] = 0xfc
	return frame
}

// vp8Frame builds a frame whose payload header marks every keyFrameEvery-th
// frame as a key frame.
func vp8Frame(n int) []byte {
	frame := make([]byte, 800)
	for i := 10; i < len(frame); i++ {
		frame[i] = byte(n + i)
	}
	if n%keyFrameEvery == 0 {
		// key frame: P bit clear, start code and 16x16 dimensions
		frame[0] = 0x10
		frame[3], frame[4], frame[5] = 0x9d, 0x01, 0x2a
		frame[6], frame[7], frame[8], frame[9] = 16, 0, 16, 0
	} else {
		frame[0] = 0x11
	}
	return frame
}
