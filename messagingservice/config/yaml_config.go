package config

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlPresenceConfig struct {
	Redis      YamlRedisConfig `yaml:"redis"`
	OnlineTTL  string          `yaml:"online_ttl"`
	OfflineTTL string          `yaml:"offline_ttl"`
}

type YamlAuthConfig struct {
	// Tokens maps pre-shared bearer tokens to user IDs. Real deployments
	// point the validator at the identity service instead.
	Tokens map[string]string `yaml:"tokens"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID          string             `yaml:"project_id"`
	RunMode            string             `yaml:"run_mode"`
	WebSocketPort      string             `yaml:"websocket_port"`
	MessagesCollection string             `yaml:"messages_collection"`
	TypingTTL          string             `yaml:"typing_ttl"`
	Presence           YamlPresenceConfig `yaml:"presence"`
	Auth               YamlAuthConfig     `yaml:"auth"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a
// clean, base AppConfig struct. Environment overrides and validation happen
// in Stage 2.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	appCfg := &AppConfig{
		ProjectID:          yamlCfg.ProjectID,
		RunMode:            yamlCfg.RunMode,
		WebSocketPort:      yamlCfg.WebSocketPort,
		MessagesCollection: yamlCfg.MessagesCollection,
		Presence:           yamlCfg.Presence,
		Auth:               yamlCfg.Auth,
	}

	var err error
	if appCfg.TypingTTL, err = parseOptionalDuration(yamlCfg.TypingTTL, "typing_ttl"); err != nil {
		return nil, err
	}
	if appCfg.PresenceOnlineTTL, err = parseOptionalDuration(yamlCfg.Presence.OnlineTTL, "presence.online_ttl"); err != nil {
		return nil, err
	}
	if appCfg.PresenceOfflineTTL, err = parseOptionalDuration(yamlCfg.Presence.OfflineTTL, "presence.offline_ttl"); err != nil {
		return nil, err
	}
	return appCfg, nil
}
