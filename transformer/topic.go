package transformer

import (
	"fmt"
	"regexp"

	"github.com/eddielth/heatpump-core/config"
)

// TopicParser extracts site and device identifiers from {prefix}/{site}/{device}/telemetry topics
type TopicParser struct {
	re *regexp.Regexp
}

// NewTopicParser builds a parser matching the topics config.MQTTConfig.SubscriptionTopic subscribes to
func NewTopicParser(prefix string) *TopicParser {
	prefix = config.NormalizeTopicPrefix(prefix)
	return &TopicParser{
		re: regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `/([^/+#]+)/([^/+#]+)/telemetry$`),
	}
}

// Parse returns the site and device external ids, or ErrUnknownTopic
func (p *TopicParser) Parse(topic string) (site, device string, err error) {
	matches := p.re.FindStringSubmatch(topic)
	if len(matches) != 3 {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	return matches[1], matches[2], nil
}

// RouteKey is the per-device ordering key for a topic
func (p *TopicParser) RouteKey(topic string) (string, error) {
	site, device, err := p.Parse(topic)
	if err != nil {
		return "", err
	}
	return site + "/" + device, nil
}
