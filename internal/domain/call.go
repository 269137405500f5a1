package domain

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// CallID is the server-assigned call identifier. Zero until the server
// has created the call.
type CallID uint

type CallStatus string

const (
	CallRinging CallStatus = "ringing"
	CallOngoing CallStatus = "ongoing"
	CallEnded   CallStatus = "ended"
	CallMissed  CallStatus = "missed"
)

// Call is the authoritative record of one call as the client sees it.
// Offer and Answer hold the negotiation blobs while they are in flight.
type Call struct {
	ID        CallID                     `json:"id"`
	CallerID  UserID                     `json:"callerId"`
	CalleeIDs []UserID                   `json:"calleeIds"`
	StartTime time.Time                  `json:"startTime"`
	EndTime   *time.Time                 `json:"endTime,omitempty"`
	Status    CallStatus                 `json:"status"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
}

// RemoveCallee drops one callee identity. Reports whether it was present.
func (c *Call) RemoveCallee(id UserID) bool {
	for i, cid := range c.CalleeIDs {
		if cid == id {
			c.CalleeIDs = append(c.CalleeIDs[:i], c.CalleeIDs[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Call) HasCallee(id UserID) bool {
	for _, cid := range c.CalleeIDs {
		if cid == id {
			return true
		}
	}
	return false
}
