package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/MikhailOznobikhin/moznods/internal/util"
)

type Config struct {
	Server   Server   `json:"server"`
	Identity Identity `json:"identity"`
	ICE      ICE      `json:"ice"`
	Media    Media    `json:"media"`
	Paths    Paths    `json:"paths"`
}

type Server struct {
	// Websocket base URL of the relay server, e.g. "wss://moznods.example.org".
	// The call channel lives at <ws_url>/ws/call/<room_id>/ and the
	// notification channel at <ws_url>/ws/notifications/.
	WSURL string `json:"ws_url"`
}

type Identity struct {
	// TokenFile holds the access token issued by the service (one line).
	// Relative to the client directory.
	TokenFile string `json:"token_file"`
}

// ICEServer describes one STUN or TURN server used for peer transport
// bootstrap. Username/Credential are only meaningful for TURN.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICE struct {
	// Servers overrides the built-in list. The list must keep at least
	// one STUN entry for address discovery and one TURN entry so calls
	// survive symmetric NAT.
	Servers []ICEServer `json:"servers"`
}

type Media struct {
	// DisableVideo forces audio-only calls regardless of the join flag.
	DisableVideo bool `json:"disable_video"`

	// VideoBitRate is the VP8 encoder target in bits per second.
	VideoBitRate int `json:"video_bitrate"`

	// Capture caps. Higher resolutions inflate VP8 encoding latency.
	MaxWidth  int `json:"max_width"`
	MaxHeight int `json:"max_height"`
}

type Paths struct {
	// DataDir holds the sqlite call-history database. Relative to the
	// client directory.
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		Server: Server{
			WSURL: "ws://localhost:8000",
		},
		Identity: Identity{
			TokenFile: "data/token",
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{
					"stun:stun.l.google.com:19302",
					"stun:stun1.l.google.com:19302",
				}},
				{
					URLs:       []string{"turn:openrelay.metered.ca:443"},
					Username:   "openrelayproject",
					Credential: "openrelayproject",
				},
			},
		},
		Media: Media{
			DisableVideo: false,
			VideoBitRate: 1_500_000,
			MaxWidth:     640,
			MaxHeight:    480,
		},
		Paths: Paths{
			DataDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	// Server
	ws := strings.TrimSpace(c.Server.WSURL)
	if ws == "" {
		return errors.New("server.ws_url is required")
	}
	u, err := url.Parse(ws)
	if err != nil {
		return fmt.Errorf("server.ws_url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("server.ws_url scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("server.ws_url is missing a host")
	}

	// Identity
	if strings.TrimSpace(c.Identity.TokenFile) == "" {
		return errors.New("identity.token_file is required")
	}

	// ICE: need at least one discovery (stun) and one relay (turn) entry
	// so peers behind symmetric NAT can still connect.
	if len(c.ICE.Servers) == 0 {
		return errors.New("ice.servers must not be empty")
	}
	var haveStun, haveTurn bool
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d] has no urls", i)
		}
		for _, raw := range s.URLs {
			scheme, _, ok := strings.Cut(raw, ":")
			if !ok {
				return fmt.Errorf("ice.servers[%d]: invalid url %q", i, raw)
			}
			switch scheme {
			case "stun", "stuns":
				haveStun = true
			case "turn", "turns":
				haveTurn = true
			default:
				return fmt.Errorf("ice.servers[%d]: scheme must be stun(s) or turn(s), got %q", i, scheme)
			}
		}
	}
	if !haveStun {
		return errors.New("ice.servers must include at least one stun server")
	}
	if !haveTurn {
		return errors.New("ice.servers must include at least one turn server")
	}

	// Media
	if c.Media.VideoBitRate <= 0 {
		return errors.New("media.video_bitrate must be > 0")
	}
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
