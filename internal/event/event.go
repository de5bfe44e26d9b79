// Package event defines the closed set of event types carried by the bus and
// the topic naming scheme subscribers use.
package event

import "time"

// Type identifies an event. Routing is derived from the event's topics, not
// from per-handler string checks.
type Type string

const (
	TypeVisitCreated    Type = "visit.created"
	TypeVisitConfirmed  Type = "visit.confirmed"
	TypeVisitorEntered  Type = "visit.visitor_entered"
	TypeVisitorExited   Type = "visit.visitor_exited"
	TypeVisitCompleted  Type = "visit.completed"
	TypeVisitCancelled  Type = "visit.cancelled"
	TypeVisitExpired    Type = "visit.expired"
	TypeVisitorBanned   Type = "visitor.banned"
	TypeVisitorUnbanned Type = "visitor.unbanned"
	TypeUserOnline      Type = "user.online"
	TypeUserOffline     Type = "user.offline"
	TypeOverflow        Type = "overflow"
)

// Priority mirrors notification priority.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Event is one published occurrence. Payload must be JSON-marshalable.
type Event struct {
	Type     Type
	Topics   []string
	Payload  any
	Occurred time.Time

	// Durable events targeted at a user topic persist a notification row in
	// the same transaction as the state change that produced them.
	Durable   bool
	Recipient string // user id, set when Durable
	Building  string // building id, may be empty for super admins
	Title     string
	Body      string
	Priority  Priority
}

// Publisher is the side of the bus engines publish into.
type Publisher interface {
	Publish(ev Event)
}

// UserTopic addresses a single user.
func UserTopic(userID string) string { return "user:" + userID }

// BuildingTopic addresses everyone in a building.
func BuildingTopic(buildingID string) string { return "building:" + buildingID }

// RoleTopic addresses one role within a building.
func RoleTopic(role, buildingID string) string { return "role:" + role + "@" + buildingID }
