// Copyright 2024 The fleetgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package acl computes and validates per-session topic permissions. A
// session's ACL is derived procedurally from its authenticated identity;
// there are no deny entries, a permission either materializes from the
// service table or it does not exist. Computed ACLs are memoized per
// client identifier until the disconnect cleanup evicts them.
package acl

import (
	"log"
	"strings"
	"sync"

	"github.com/turtacn/fleetgate/pkg/config"
	"github.com/turtacn/fleetgate/pkg/identity"
	"github.com/turtacn/fleetgate/pkg/topics"
)

// Activity is the topic operation a permission grants.
type Activity int

const (
	// ActivityPublish grants publishing.
	ActivityPublish Activity = iota
	// ActivitySubscribe grants subscribing.
	ActivitySubscribe
	// ActivityAll grants both operations.
	ActivityAll
)

// String returns the string representation of an Activity.
func (a Activity) String() string {
	switch a {
	case ActivityPublish:
		return "publish"
	case ActivitySubscribe:
		return "subscribe"
	case ActivityAll:
		return "all"
	default:
		return "unknown"
	}
}

// RetainScope restricts a permission to retained or live messages.
type RetainScope int

const (
	// RetainAny places no restriction on the retain flag.
	RetainAny RetainScope = iota
	// RetainRetained only matches packets with the retain flag set.
	RetainRetained
	// RetainNotRetained only matches packets without the retain flag.
	RetainNotRetained
)

// Effect is the outcome a permission carries. Only allow entries exist;
// deny is expressed by never materializing an entry.
type Effect int

const (
	// EffectAllow permits the matched operation.
	EffectAllow Effect = iota
)

// Permission is one ACL entry of a session.
type Permission struct {
	Pattern     string
	Activity    Activity
	Effect      Effect
	RetainScope RetainScope
	QoS         *byte

	matcher *topics.Matcher
}

// Matches reports whether the permission's pattern covers a concrete topic.
func (p *Permission) Matches(topic string) bool {
	return p.matcher.Matches(topic)
}

// Validate checks a permission against one concrete operation: the
// pattern must match, the activity must be compatible, the effect must be
// allow and the retain scope must accept the packet's retain flag.
func Validate(perm *Permission, topic string, activity Activity, retain bool) bool {
	if perm == nil || !perm.Matches(topic) {
		return false
	}
	if perm.Activity != ActivityAll && perm.Activity != activity {
		return false
	}
	if perm.Effect != EffectAllow {
		return false
	}
	switch perm.RetainScope {
	case RetainRetained:
		return retain
	case RetainNotRetained:
		return !retain
	}
	return true
}

// Engine computes and caches session ACLs.
type Engine struct {
	codec     *topics.Codec
	aclCfg    config.ACLConfig
	topicsCfg config.TopicsConfig

	cache sync.Map // client id -> []*Permission
}

// NewEngine creates a permission engine over the static service table.
func NewEngine(codec *topics.Codec, aclCfg config.ACLConfig, topicsCfg config.TopicsConfig) *Engine {
	return &Engine{
		codec:     codec,
		aclCfg:    aclCfg,
		topicsCfg: topicsCfg,
	}
}

// ComputePermissions derives the ordered ACL for an authenticated
// identity. The result is deterministic for a fixed identity and
// configuration.
func (e *Engine) ComputePermissions(id *identity.Identity) []*Permission {
	if id == nil {
		return nil
	}

	switch id.Kind {
	case identity.KindService:
		// Whitelisted internal service: one broad pattern over the
		// service's own namespace, used when the identity cannot be mapped
		// to a single device.
		return []*Permission{
			e.permission(e.codec.Prefix+"/"+id.Username+"/#", ActivityAll),
		}

	case identity.KindProbe:
		return []*Permission{
			e.permission(e.topicsCfg.HealthTopic, ActivityPublish),
		}

	case identity.KindUser:
		pattern := e.codec.Format(topics.CloudToDevice, id.Username, e.topicsCfg.NotificationService)
		return []*Permission{
			e.permission(pattern, ActivitySubscribe),
		}

	case identity.KindDevice:
		perms := make([]*Permission, 0, len(e.aclCfg.Services))
		for _, svc := range e.aclCfg.Services {
			if svc.Disabled {
				continue
			}
			if !svc.Diagnostic && len(svc.DeviceTypes) > 0 && !containsString(svc.DeviceTypes, id.DeviceType) {
				// Requires a device type this identity lacks: omitted, not denied.
				continue
			}
			switch svc.Direction {
			case "dn":
				pattern := e.codec.Format(topics.CloudToDevice, id.ClientID, svc.ID)
				perms = append(perms, e.permission(pattern, ActivitySubscribe))
			case "up":
				pattern := e.codec.Format(topics.DeviceToCloud, id.ClientID, svc.ID)
				perms = append(perms, e.permission(pattern, ActivityPublish))
			}
		}
		return perms
	}

	return nil
}

func (e *Engine) permission(pattern string, activity Activity) *Permission {
	m, err := topics.ToMatchExpression(pattern)
	if err != nil {
		// Patterns are built from validated configuration; a failure here
		// is a configuration defect, surfaced as an entry that matches
		// nothing rather than a fabricated broader grant.
		log.Printf("[ERROR] Failed to compile permission pattern %q: %v", pattern, err)
	}
	return &Permission{
		Pattern:     pattern,
		Activity:    activity,
		Effect:      EffectAllow,
		RetainScope: RetainAny,
		matcher:     m,
	}
}

// PermissionsFor returns the memoized ACL for a session, computing it on
// first use. When the repopulation flag is enabled, a cached ACL whose
// first entry does not textually contain the client id or username is
// considered stale and recomputed. The containment test is a heuristic
// staleness detector, nothing stronger.
func (e *Engine) PermissionsFor(id *identity.Identity) []*Permission {
	if id == nil {
		return nil
	}

	if cached, ok := e.cache.Load(id.ClientID); ok {
		perms := cached.([]*Permission)
		if !e.aclCfg.RepopulateOnMismatch || firstEntryMentions(perms, id) {
			return perms
		}
		log.Printf("[WARN] Cached ACL for client %s looks stale, repopulating", id.ClientID)
		perms = e.ComputePermissions(id)
		e.cache.Store(id.ClientID, perms)
		return perms
	}

	perms := e.ComputePermissions(id)
	actual, _ := e.cache.LoadOrStore(id.ClientID, perms)
	return actual.([]*Permission)
}

// Invalidate drops the memoized ACL for a client identifier. Wired to the
// subscription store's eviction hook so the cache lives exactly as long
// as the connection state.
func (e *Engine) Invalidate(clientID string) {
	e.cache.Delete(clientID)
}

// Authorize checks one concrete operation against the session's ACL.
// A false result means no entry matched; the caller decides between
// suppressing the packet and ignoring the subscription.
func (e *Engine) Authorize(id *identity.Identity, topic string, activity Activity, retain bool) bool {
	for _, perm := range e.PermissionsFor(id) {
		if Validate(perm, topic, activity, retain) {
			return true
		}
	}
	return false
}

func firstEntryMentions(perms []*Permission, id *identity.Identity) bool {
	if len(perms) == 0 {
		return false
	}
	first := perms[0].Pattern
	if id.ClientID != "" && strings.Contains(first, id.ClientID) {
		return true
	}
	return id.Username != "" && strings.Contains(first, id.Username)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
