package main

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"roomrelay/internal/core/domain"
	relaywebrtc "roomrelay/internal/infrastructure/webrtc"
	"roomrelay/pkg/validation"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagSubscribeRoom    string
	flagSubscribeExclude int
	flagReportInterval   time.Duration
)

var subscribeCmd = &cobra.Command{
	Use:     "subscribe",
	Aliases: []string{"sub"},
	Short:   "Subscribe to a room and report the tracks it receives",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validation.ValidateRoomID(flagSubscribeRoom); err != nil {
			return err
		}
		s, err := loadSettings()
		if err != nil {
			return err
		}
		defer s.log.Sync()

		var exclude *domain.SlotIndex
		if cmd.Flags().Changed("exclude") {
			if flagSubscribeExclude < 0 {
				return errors.New("--exclude must be >= 0")
			}
			idx := domain.SlotIndex(flagSubscribeExclude)
			exclude = &idx
		}
		return subscribe(cmd.Context(), s, domain.RoomID(flagSubscribeRoom), exclude)
	},
}

func init() {
	subscribeCmd.Flags().StringVarP(&flagSubscribeRoom, "room", "r", "", "room to subscribe to")
	subscribeCmd.Flags().IntVar(&flagSubscribeExclude, "exclude", 0, "publisher slot index to leave out")
	subscribeCmd.Flags().DurationVar(&flagReportInterval, "report-interval", 5*time.Second, "how often to log received packet counts")
	_ = subscribeCmd.MarkFlagRequired("room")
}

func subscribe(ctx context.Context, s *settings, roomID domain.RoomID, exclude *domain.SlotIndex) error {
	factory, ch, err := s.connect(ctx)
	if err != nil {
		return err
	}

	sub := relaywebrtc.NewSubscriber(relaywebrtc.SubscriberConfig{
		RoomID:             roomID,
		ExcludeSlot:        exclude,
		NegotiationTimeout: s.cfg.WebRTC.NegotiationTimeout,
	}, factory, ch, s.log)

	var packets, bytes atomic.Int64
	sub.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.log.Infow("track received",
			"kind", track.Kind().String(),
			"track_id", track.ID(),
			"stream_id", track.StreamID(),
			"codec", track.Codec().MimeType,
		)
		go countTrack(track, &packets, &bytes, s.log)
	})
	sub.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.log.Infow("ice connection state changed", "state", state.String())
	})

	go func() {
		ticker := time.NewTicker(flagReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.log.Infow("receive stats",
					"offers", sub.Offers(),
					"packets", packets.Load(),
					"bytes", bytes.Load(),
				)
			}
		}
	}()

	s.log.Infow("subscribing", "room_id", roomID, "signal_url", s.cfg.Mediator.SignalURL)
	err = sub.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func countTrack(track *webrtc.TrackRemote, packets, bytes *atomic.Int64, log *zap.SugaredLogger) {
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugw("track read ended", "track_id", track.ID(), "error", err)
			}
			return
		}
		packets.Add(1)
		bytes.Add(int64(n))
	}
}
