package registry

import "strings"

// ChannelPolicyVersion is the schema version written by this build.
const ChannelPolicyVersion = 1

// ChannelPolicy configures how a bot behaves in one named channel.
// Every optional field has a documented default:
//
//	MentionOnly    true   respond only when mentioned or messaged privately
//	RespondToBots  false  ignore messages authored by other bots
//	AllowedRoles   empty  anyone may ask
//	DocumentSets   empty  answers are not scoped to document sets
type ChannelPolicy struct {
	Version       int      `dynamodbav:"version" json:"version"`
	ChannelName   string   `dynamodbav:"channel_name" json:"channel_name"`
	MentionOnly   *bool    `dynamodbav:"mention_only,omitempty" json:"mention_only,omitempty"`
	RespondToBots *bool    `dynamodbav:"respond_to_bots,omitempty" json:"respond_to_bots,omitempty"`
	AllowedRoles  []string `dynamodbav:"allowed_roles,omitempty" json:"allowed_roles,omitempty"`
	DocumentSets  []string `dynamodbav:"document_sets,omitempty" json:"document_sets,omitempty"`
}

// NormalizeChannelName lowercases a channel name and strips a leading '#'.
func NormalizeChannelName(name string) string {
	return strings.ToLower(strings.TrimLeft(strings.TrimSpace(name), "#"))
}

// Normalize returns a copy with a clean channel name and the current version.
func (p ChannelPolicy) Normalize() ChannelPolicy {
	p.ChannelName = NormalizeChannelName(p.ChannelName)
	if p.Version == 0 {
		p.Version = ChannelPolicyVersion
	}
	return p
}

func (p ChannelPolicy) MentionOnlyOrDefault() bool {
	if p.MentionOnly == nil {
		return true
	}
	return *p.MentionOnly
}

func (p ChannelPolicy) RespondToBotsOrDefault() bool {
	if p.RespondToBots == nil {
		return false
	}
	return *p.RespondToBots
}

// AllowsRoles reports whether a member holding roles may use the bot here.
func (p ChannelPolicy) AllowsRoles(roles []string) bool {
	if len(p.AllowedRoles) == 0 {
		return true
	}
	for _, allowed := range p.AllowedRoles {
		for _, r := range roles {
			if strings.EqualFold(allowed, r) {
				return true
			}
		}
	}
	return false
}

// MatchChannelPolicy returns the policy configured for channelName, if any.
func MatchChannelPolicy(policies []ChannelPolicy, channelName string) (ChannelPolicy, bool) {
	name := NormalizeChannelName(channelName)
	if name == "" {
		return ChannelPolicy{}, false
	}
	for _, p := range policies {
		if NormalizeChannelName(p.ChannelName) == name {
			return p, true
		}
	}
	return ChannelPolicy{}, false
}

// Bool returns a pointer to b, for filling optional policy fields.
func Bool(b bool) *bool { return &b }
