package orchestration

import "fmt"

// TopicBuilder scopes the MQTT control namespace to one experiment and
// channel, mirroring the broker-side access control layout.
type TopicBuilder struct {
	experimentID string
	channelID    string
}

func NewTopicBuilder(experimentID, channelID string) *TopicBuilder {
	return &TopicBuilder{
		experimentID: experimentID,
		channelID:    channelID,
	}
}

func (tb *TopicBuilder) BaseTopic() string {
	return fmt.Sprintf("fl/%s/c/%s", tb.experimentID, tb.channelID)
}

func (tb *TopicBuilder) ParticipantCreateTopic() string {
	return tb.BaseTopic() + "/control/participant/create"
}

func (tb *TopicBuilder) ParticipantAliveTopic() string {
	return tb.BaseTopic() + "/control/participant/alive"
}

func (tb *TopicBuilder) RoundStartTopic() string {
	return tb.BaseTopic() + "/rounds/start"
}

func (tb *TopicBuilder) RoundCancelTopic() string {
	return tb.BaseTopic() + "/rounds/cancel"
}

func (tb *TopicBuilder) RoundUpdateTopic(roundID, participantID string) string {
	return fmt.Sprintf("%s/rounds/%s/updates/%s", tb.BaseTopic(), roundID, participantID)
}

func (tb *TopicBuilder) RoundUpdateWildcard() string {
	return tb.BaseTopic() + "/rounds/+/updates/+"
}

func (tb *TopicBuilder) SnapshotPublishedTopic() string {
	return tb.BaseTopic() + "/snapshots/published"
}

func (tb *TopicBuilder) EventsTopic() string {
	return tb.BaseTopic() + "/events"
}

func (tb *TopicBuilder) AllTopics() string {
	return tb.BaseTopic() + "/#"
}
