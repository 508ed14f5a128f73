package tracker

import (
	"github.com/google/uuid"

	"github.com/dshills/eventpipe/pipeline/payload"
)

// Subject describes who or what an event is about: the user, their device
// and their session. Zero fields are omitted from the payload.
//
// A Subject can be set on the Tracker, where it applies to every event, and
// on individual events, where its fields take priority.
type Subject struct {
	UserID    string // uid
	Timezone  string // tz
	Language  string // lang
	IPAddress string // ip
	UserAgent string // ua

	DomainUserID  uuid.UUID // duid
	NetworkUserID uuid.UUID // tnuid
	SessionUserID uuid.UUID // sid
}

// Merge returns s with every unset field filled from other.
func (s Subject) Merge(other Subject) Subject {
	out := s
	if out.UserID == "" {
		out.UserID = other.UserID
	}
	if out.Timezone == "" {
		out.Timezone = other.Timezone
	}
	if out.Language == "" {
		out.Language = other.Language
	}
	if out.IPAddress == "" {
		out.IPAddress = other.IPAddress
	}
	if out.UserAgent == "" {
		out.UserAgent = other.UserAgent
	}
	if out.DomainUserID == uuid.Nil {
		out.DomainUserID = other.DomainUserID
	}
	if out.NetworkUserID == uuid.Nil {
		out.NetworkUserID = other.NetworkUserID
	}
	if out.SessionUserID == uuid.Nil {
		out.SessionUserID = other.SessionUserID
	}
	return out
}

func (s Subject) addTo(p payload.Payload) {
	setString(p, "uid", s.UserID)
	setString(p, "tz", s.Timezone)
	setString(p, "lang", s.Language)
	setString(p, "ip", s.IPAddress)
	setString(p, "ua", s.UserAgent)
	setUUID(p, "duid", s.DomainUserID)
	setUUID(p, "tnuid", s.NetworkUserID)
	setUUID(p, "sid", s.SessionUserID)
}

func setString(p payload.Payload, key, value string) {
	if value != "" {
		p[key] = value
	}
}

func setUUID(p payload.Payload, key string, id uuid.UUID) {
	if id != uuid.Nil {
		p[key] = id.String()
	}
}
