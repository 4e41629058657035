package store

// DefaultPrefix is the root namespace for every key and channel.
const DefaultPrefix = "websocket:"

// Keys builds fully qualified key and channel names under a root prefix.
type Keys struct {
	Prefix string
}

// NewKeys returns a Keys using prefix, or DefaultPrefix when empty.
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{Prefix: prefix}
}

// Presence

func (k Keys) OnlineUsers() string { return k.Prefix + "online:users" }
func (k Keys) UserServer(userID string) string { return k.Prefix + "user:server:" + userID }
func (k Keys) ServerUsers(nodeID string) string {
	return k.Prefix + "server:users:" + nodeID
}

// Balancer

func (k Keys) Agents() string { return k.Prefix + "customer:service" }
func (k Keys) AgentLoad(agentID string) string { return k.Prefix + "customer:service:load:" + agentID }
func (k Keys) UserAgent(userID string) string { return k.Prefix + "user:customer:service:" + userID }
func (k Keys) AgentUsers(agentID string) string { return k.Prefix + "customer:service:users:" + agentID }
func (k Keys) Waiting() string { return k.Prefix + "customer:service:waiting" }

// Fanout channels

func (k Keys) BroadcastChannel() string { return k.Prefix + "broadcast" }
func (k Keys) UserChannel(userID string) string { return k.Prefix + "user:" + userID }
func (k Keys) GroupChannel(groupID string) string { return k.Prefix + "group:" + groupID }
func (k Keys) UserChannelPattern() string { return k.Prefix + "user:*" }
func (k Keys) GroupChannelPattern() string { return k.Prefix + "group:*" }

// Tokens

func (k Keys) TokenUser(token string) string { return k.Prefix + "token:user:" + token }
func (k Keys) TokenOfUser(userID string) string { return k.Prefix + "token:token:" + userID }

// Conversations

func (k Keys) Conversation(id string) string { return k.Prefix + "conversation:" + id }
func (k Keys) Messages(conversationID string) string {
	return k.Prefix + "messages:" + conversationID
}
func (k Keys) UserConversations(userID string) string {
	return k.Prefix + "user_conversations:" + userID
}
func (k Keys) AgentConversations(agentID string) string {
	return k.Prefix + "agent_conversations:" + agentID
}
func (k Keys) ActivePair(creatorID, receiverID string) string {
	return k.Prefix + "active_conversation:" + creatorID + ":" + receiverID
}
func (k Keys) ActiveConversations() string { return k.Prefix + "active_conversations" }
