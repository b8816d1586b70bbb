package runtime

import (
	"fmt"
	"os"
)

// Environment variables carrying identity across the supervisor -> agent
// process boundary.
const (
	EnvTeamID         = "AGENT_TEAM_ID"
	EnvRole           = "AGENT_ROLE"
	EnvInstanceID     = "AGENT_INSTANCE_ID"
	EnvSpecialization = "AGENT_SPECIALIZATION"
	EnvModel          = "AGENT_MODEL"
	EnvBusURL         = "HIVEWARD_BUS_URL"
)

// Identity is the immutable per-process agent identity, created by the
// supervisor at spawn time and never mutated.
type Identity struct {
	TeamID         string
	Role           string
	InstanceID     string
	Specialization string
	Model          string
}

// IdentityFromEnv reads the identity injected by the supervisor.
func IdentityFromEnv() (Identity, error) {
	id := Identity{
		TeamID:         os.Getenv(EnvTeamID),
		Role:           os.Getenv(EnvRole),
		InstanceID:     os.Getenv(EnvInstanceID),
		Specialization: os.Getenv(EnvSpecialization),
		Model:          os.Getenv(EnvModel),
	}
	if id.TeamID == "" || id.Role == "" || id.InstanceID == "" {
		return Identity{}, fmt.Errorf("incomplete agent identity: need %s, %s and %s", EnvTeamID, EnvRole, EnvInstanceID)
	}
	return id, nil
}

// Env renders the identity as environment variable assignments for a spawned
// process.
func (id Identity) Env() []string {
	return []string{
		EnvTeamID + "=" + id.TeamID,
		EnvRole + "=" + id.Role,
		EnvInstanceID + "=" + id.InstanceID,
		EnvSpecialization + "=" + id.Specialization,
		EnvModel + "=" + id.Model,
	}
}
