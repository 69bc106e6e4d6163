package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentRole is the RBAC role attached to an authenticated caller.
type AgentRole string

const (
	RoleReader   AgentRole = "reader"
	RoleAgent    AgentRole = "agent"
	RoleOperator AgentRole = "operator"
	RoleAdmin    AgentRole = "admin"
)

var roleRank = map[AgentRole]int{
	RoleReader:   1,
	RoleAgent:    2,
	RoleOperator: 3,
	RoleAdmin:    4,
}

// RoleAtLeast reports whether role meets or exceeds min.
func RoleAtLeast(role, min AgentRole) bool {
	return roleRank[role] >= roleRank[min]
}

// Agent is an authenticated principal: an execution-engine worker (role
// agent), a human operator resolving approvals (role operator), or an admin.
type Agent struct {
	ID         uuid.UUID `json:"id"`
	AgentID    string    `json:"agentId"`
	Name       string    `json:"name"`
	Role       AgentRole `json:"role"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}
