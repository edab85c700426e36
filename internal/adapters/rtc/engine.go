package rtc

import (
	"fmt"

	"github.com/dkeye/Broadcast/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Config struct {
	ICEServers []ICEServer
	UDPPortMin uint16
	UDPPortMax uint16
	// NAT1To1IPs are advertised as host candidates instead of the local ones.
	NAT1To1IPs []string
	// Net replaces the OS network stack, e.g. with a vnet.Net in tests.
	Net transport.Net
}

func DefaultICEServers() []ICEServer {
	return []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// Engine creates pion peer connections sharing one API instance.
type Engine struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ core.Engine = (*Engine)(nil)

func NewEngine(cfg Config) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if len(cfg.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	pcCfg := webrtc.Configuration{}
	for _, s := range cfg.ICEServers {
		pcCfg.ICEServers = append(pcCfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	log.Info().
		Str("module", "rtc").
		Int("ice_servers", len(pcCfg.ICEServers)).
		Uint16("udp_port_min", cfg.UDPPortMin).
		Uint16("udp_port_max", cfg.UDPPortMax).
		Strs("nat_1to1_ips", cfg.NAT1To1IPs).
		Msg("engine ready")

	return &Engine{api: api, cfg: pcCfg}, nil
}

func (e *Engine) NewConnection() (core.Connection, error) {
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, err
	}
	return newConnection(pc), nil
}
