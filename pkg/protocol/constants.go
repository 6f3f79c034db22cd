package protocol

// Directory and file names inside a rig directory.
const (
	// RigDir is the default rig directory under the working directory.
	RigDir = ".rig"

	// DBFile is the rig's SQLite database.
	DBFile = "rig.db"

	// LockFile serializes writers across processes.
	LockFile = "rig.lock"

	// HeartbeatsDir is watched for heartbeat files named after agent ids.
	HeartbeatsDir = "heartbeats"

	// AgentLogsDir holds per-agent launcher output.
	AgentLogsDir = "agents"

	// ConfigYAML and ConfigTOML are the accepted config file names.
	ConfigYAML = "config.yaml"
	ConfigTOML = "config.toml"
)

// Escalation bead conventions for merge conflicts.
const (
	EscalationTitlePrefix = "Merge conflict: "
	EscalationLabel       = "merge-conflict"
)

// TimeLayout is how timestamps are stored: UTC, fixed-width nanoseconds, so
// text comparison orders them.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
