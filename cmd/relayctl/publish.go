package main

import (
	"context"
	"errors"

	"roomrelay/internal/core/domain"
	relaywebrtc "roomrelay/internal/infrastructure/webrtc"
	"roomrelay/pkg/validation"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var flagPublishRoom string

var publishCmd = &cobra.Command{
	Use:     "publish",
	Aliases: []string{"pub"},
	Short:   "Publish a synthetic audio and video stream into a room",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validation.ValidateRoomID(flagPublishRoom); err != nil {
			return err
		}
		s, err := loadSettings()
		if err != nil {
			return err
		}
		defer s.log.Sync()
		return publish(cmd.Context(), s, domain.RoomID(flagPublishRoom))
	},
}

func init() {
	publishCmd.Flags().StringVarP(&flagPublishRoom, "room", "r", "", "room to publish into")
	_ = publishCmd.MarkFlagRequired("room")
}

func publish(ctx context.Context, s *settings, roomID domain.RoomID) error {
	factory, ch, err := s.connect(ctx)
	if err != nil {
		return err
	}

	source, err := relaywebrtc.NewSyntheticSource("relayctl-" + uuid.NewString()[:8])
	if err != nil {
		return err
	}

	pub := relaywebrtc.NewPublisher(relaywebrtc.PublisherConfig{
		RoomID:             roomID,
		NegotiationTimeout: s.cfg.WebRTC.NegotiationTimeout,
	}, factory, ch, source, s.log)

	pub.OnStateChange(func(state relaywebrtc.PublisherState) {
		fields := []interface{}{"state", state}
		if slot := pub.Slot(); slot != nil {
			fields = append(fields, "slot_index", slot.Index)
		}
		s.log.Infow("publisher state changed", fields...)
	})

	s.log.Infow("publishing", "room_id", roomID, "signal_url", s.cfg.Mediator.SignalURL)
	err = pub.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
