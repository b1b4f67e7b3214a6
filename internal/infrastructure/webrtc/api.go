package webrtc

import (
	"fmt"
	"time"

	"roomrelay/pkg/config"

	"github.com/pion/ice/v2"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/transport/v2"
	"github.com/pion/webrtc/v3"
)

type FactoryConfig struct {
	ICEServers []webrtc.ICEServer
	PortMin    uint16
	PortMax    uint16
	// PLIInterval > 0 makes every inbound video track request a key frame on
	// that period.
	PLIInterval time.Duration
	// NetworkTypes restricts ICE gathering; empty means pion's default.
	NetworkTypes []webrtc.NetworkType
	// Net replaces the host network stack, e.g. with a pion vnet.
	Net transport.Net
}

// FactoryConfigFrom maps the webrtc section of the configuration.
func FactoryConfigFrom(cfg *config.Config) FactoryConfig {
	servers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return FactoryConfig{
		ICEServers:  servers,
		PortMin:     cfg.WebRTC.PortRange.Min,
		PortMax:     cfg.WebRTC.PortRange.Max,
		PLIInterval: cfg.WebRTC.PLIInterval,
	}
}

// PeerFactory builds peer connections that share one media engine,
// interceptor chain and setting engine.
type PeerFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewPeerFactory(cfg FactoryConfig) (*PeerFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	if cfg.PLIInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(cfg.PLIInterval))
		if err != nil {
			return nil, fmt.Errorf("failed to create PLI interceptor: %w", err)
		}
		registry.Add(pli)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if len(cfg.NetworkTypes) > 0 {
		settingEngine.SetNetworkTypes(cfg.NetworkTypes)
	}
	if cfg.Net != nil {
		settingEngine.SetNet(cfg.Net)
		settingEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}

	return &PeerFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
	}, nil
}

func (f *PeerFactory) NewPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}
