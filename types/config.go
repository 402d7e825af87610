package types

// BackendType selects the durable state backend an agent persists to.
type BackendType string

const (
	BackendInMemory BackendType = "memory"
	BackendFile     BackendType = "file"
	BackendRedis    BackendType = "redis"
	BackendSQLite   BackendType = "sqlite"
	// BackendCustom resolves through the state package's backend registry.
	BackendCustom BackendType = "custom"
)

// AgentType selects the default handler behavior for an agent.
type AgentType string

const (
	AgentGeneric     AgentType = "generic"
	AgentWorker      AgentType = "worker"
	AgentCoordinator AgentType = "coordinator"
	AgentMonitor     AgentType = "monitor"
)

// AgentConfig fully determines how to construct an agent process, and how to
// reconstruct an equivalent one after a crash. It is created once at spawn
// time and never mutated afterwards.
type AgentConfig struct {
	// ID is the agent's stable identity.
	ID AgentID `json:"id" yaml:"id"`

	// Backend selects the durable state backend.
	Backend BackendType `json:"backend" yaml:"backend"`

	// CustomBackend names a registered backend factory when Backend is
	// BackendCustom.
	CustomBackend string `json:"custom_backend,omitempty" yaml:"custom_backend,omitempty"`

	// TransportEnabled attaches a distributed transport handle to the agent.
	TransportEnabled bool `json:"transport_enabled" yaml:"transport_enabled"`

	// Type selects the default handler behavior.
	Type AgentType `json:"type" yaml:"type"`

	// Subscriptions lists extra bus subjects the agent listens on besides its
	// own "agent.<id>" subject. Ignored when TransportEnabled is false.
	Subscriptions []string `json:"subscriptions,omitempty" yaml:"subscriptions,omitempty"`

	// MailboxSize bounds the local delivery queue. Zero means the default.
	MailboxSize int `json:"mailbox_size,omitempty" yaml:"mailbox_size,omitempty"`
}

// Validate reports configuration mistakes that would make the agent
// impossible to spawn.
func (c AgentConfig) Validate() error {
	if c.ID == "" {
		return NewError(ErrInvalidConfig, "agent config requires an id")
	}
	switch c.Backend {
	case BackendInMemory, BackendFile, BackendRedis, BackendSQLite:
	case BackendCustom:
		if c.CustomBackend == "" {
			return NewError(ErrInvalidConfig, "custom backend requires a name")
		}
	case "":
		return NewError(ErrInvalidConfig, "agent config requires a backend type")
	default:
		return NewError(ErrInvalidConfig, "unknown backend type: "+string(c.Backend))
	}
	return nil
}

// WithDefaults fills zero-value fields so callers can set only what they
// care about.
func (c AgentConfig) WithDefaults() AgentConfig {
	if c.Backend == "" {
		c.Backend = BackendInMemory
	}
	if c.Type == "" {
		c.Type = AgentGeneric
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = 64
	}
	return c
}
