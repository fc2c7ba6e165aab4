// Package lifecycle defines the order status state machine. Every status
// mutation in the system goes through this table; handlers and services never
// compare or write status strings ad hoc.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/saveupapp/saveup/internal/models"
)

// Actor identifies who is requesting a transition. Authorization is checked
// before the table is consulted.
type Actor string

const (
	ActorSystem   Actor = "system"
	ActorStaff    Actor = "staff"
	ActorCustomer Actor = "customer"
	ActorAdmin    Actor = "admin"
)

var (
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrUnauthorizedActor = errors.New("actor not allowed to perform this transition")
)

// transition describes one edge of the state machine.
type transition struct {
	actors []Actor
	// fulfillment restricts the edge to one fulfillment method; empty means
	// both.
	fulfillment models.FulfillmentMethod
}

var table = map[models.OrderStatus]map[models.OrderStatus]transition{
	models.StatusAwaitingPayment: {
		models.StatusPending:           {actors: []Actor{ActorSystem}},
		models.StatusPaymentExpired:    {actors: []Actor{ActorSystem}},
		models.StatusPaymentFailed:     {actors: []Actor{ActorSystem}},
		models.StatusCancelledStaff:    {actors: []Actor{ActorStaff, ActorAdmin}},
		models.StatusCancelledCustomer: {actors: []Actor{ActorCustomer}},
	},
	models.StatusPending: {
		models.StatusConfirmed:         {actors: []Actor{ActorStaff, ActorAdmin}},
		models.StatusCancelledStaff:    {actors: []Actor{ActorStaff, ActorAdmin}},
		models.StatusCancelledCustomer: {actors: []Actor{ActorCustomer}},
	},
	models.StatusConfirmed: {
		models.StatusPreparing:         {actors: []Actor{ActorStaff, ActorAdmin}},
		models.StatusCancelledStaff:    {actors: []Actor{ActorStaff, ActorAdmin}},
		models.StatusCancelledCustomer: {actors: []Actor{ActorCustomer}},
	},
	models.StatusPreparing: {
		models.StatusReady:          {actors: []Actor{ActorStaff, ActorAdmin}},
		models.StatusCancelledStaff: {actors: []Actor{ActorStaff, ActorAdmin}},
	},
	models.StatusReady: {
		models.StatusShipped:        {actors: []Actor{ActorStaff, ActorAdmin}, fulfillment: models.FulfillmentDelivery},
		models.StatusCompleted:      {actors: []Actor{ActorStaff, ActorAdmin}, fulfillment: models.FulfillmentPickup},
		models.StatusCancelledStaff: {actors: []Actor{ActorStaff, ActorAdmin}},
	},
	models.StatusShipped: {
		models.StatusCompleted:      {actors: []Actor{ActorStaff, ActorAdmin}},
		models.StatusCancelledStaff: {actors: []Actor{ActorStaff, ActorAdmin}},
	},
	// cancelled-staff reconciles to plain cancelled once the automatic refund
	// succeeds. This is the only edge out of a terminal status.
	models.StatusCancelledStaff: {
		models.StatusCancelled: {actors: []Actor{ActorSystem}},
	},
}

// IsTerminal reports whether no customer-driven or staff-driven edge leaves
// the status. Note cancelled-staff is terminal for callers even though the
// refund reconciliation edge exists.
func IsTerminal(status models.OrderStatus) bool {
	switch status {
	case models.StatusCompleted,
		models.StatusCancelled,
		models.StatusCancelledCustomer,
		models.StatusCancelledStaff,
		models.StatusPaymentExpired,
		models.StatusPaymentFailed:
		return true
	default:
		return false
	}
}

// IsCancelFamily reports whether the status is one of the cancelled variants.
func IsCancelFamily(status models.OrderStatus) bool {
	switch status {
	case models.StatusCancelled, models.StatusCancelledCustomer, models.StatusCancelledStaff:
		return true
	default:
		return false
	}
}

// AllowedTargets lists the statuses reachable from the given status for the
// order's fulfillment method, regardless of actor.
func AllowedTargets(from models.OrderStatus, fulfillment models.FulfillmentMethod) []models.OrderStatus {
	edges, ok := table[from]
	if !ok {
		return nil
	}
	targets := make([]models.OrderStatus, 0, len(edges))
	for to, edge := range edges {
		if edge.fulfillment != "" && edge.fulfillment != fulfillment {
			continue
		}
		targets = append(targets, to)
	}
	return targets
}

// Validate checks a requested transition. Actor authorization is evaluated
// first; an unauthorized caller learns nothing about reachability.
func Validate(from, to models.OrderStatus, fulfillment models.FulfillmentMethod, actor Actor) error {
	edges := table[from]
	edge, ok := edges[to]
	if ok {
		authorized := false
		for _, a := range edge.actors {
			if a == actor {
				authorized = true
				break
			}
		}
		if !authorized {
			return fmt.Errorf("%w: %s may not move order from %s to %s", ErrUnauthorizedActor, actor, from, to)
		}
	}
	if !ok || (edge.fulfillment != "" && edge.fulfillment != fulfillment) {
		allowed := AllowedTargets(from, fulfillment)
		if len(allowed) == 0 {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
		}
		names := make([]string, len(allowed))
		for i, s := range allowed {
			names[i] = string(s)
		}
		return fmt.Errorf("%w: cannot move from %s to %s (allowed: %s)", ErrInvalidTransition, from, to, strings.Join(names, ", "))
	}
	return nil
}

// IsManual reports whether a transition by this actor must be recorded in the
// manual-status audit fields. System-driven transitions (expiry, payment
// confirmation, refund reconciliation) are not manual.
func IsManual(actor Actor) bool {
	return actor == ActorStaff || actor == ActorAdmin || actor == ActorCustomer
}
