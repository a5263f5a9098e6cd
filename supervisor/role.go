// Package supervisor implements the parent process: it owns the
// configuration file, spawns the privilege-separated workers, brokers
// config distribution and reload, and reaps children.
package supervisor

import "fmt"

// Role names one of relayd's process roles.
type Role string

const (
	RoleParent Role = "parent"
	RolePFE    Role = "pfe"
	RoleHCE    Role = "hce"
	RoleRelay  Role = "relay"
	RoleCA     Role = "ca"
)

// WorkerID identifies one spawned child: its role plus, for Relay/CA, its
// instance index (Relay[i] / CA[i], i in [0,N)).
type WorkerID struct {
	Role     Role
	Instance int // -1 for PFE/HCE, which are singletons
}

func (w WorkerID) String() string {
	if w.Instance < 0 {
		return string(w.Role)
	}
	return fmt.Sprintf("%s[%d]", w.Role, w.Instance)
}

// Plan enumerates every worker the parent must spawn for N relay/ca
// instances.
func Plan(n int) []WorkerID {
	ids := make([]WorkerID, 0, 2+2*n)
	ids = append(ids, WorkerID{Role: RolePFE, Instance: -1})
	ids = append(ids, WorkerID{Role: RoleHCE, Instance: -1})
	for i := 0; i < n; i++ {
		ids = append(ids, WorkerID{Role: RoleRelay, Instance: i})
		ids = append(ids, WorkerID{Role: RoleCA, Instance: i})
	}
	return ids
}
