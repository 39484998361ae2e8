package fabricsvc

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/iot-go-garage/pkg/fabric"
)

// Seed is the static content fabricd serves: the topics it offers, the
// configuration it pushes to endpoints and the users external ids map to.
type Seed struct {
	Topics        []fabric.Topic         `yaml:"topics"`
	Configuration map[string]interface{} `yaml:"configuration"`
	Users         map[string]string      `yaml:"users"`
}

// DefaultSeed puts the door and the remote of the demo user on one account.
func DefaultSeed() *Seed {
	return &Seed{
		Topics: []fabric.Topic{
			{ID: 1, Name: "door-state", SubscriptionType: fabric.MandatorySubscription},
			{ID: 2, Name: "door-alerts", SubscriptionType: fabric.OptionalSubscription},
		},
		Configuration: map[string]interface{}{"speed": 1},
		Users: map[string]string{
			"DOORtest@example.com":   "test@example.com",
			"REMOTEtest@example.com": "test@example.com",
		},
	}
}

// LoadSeed reads a YAML seed file. A missing file yields DefaultSeed.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultSeed(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed %s: %w", path, err)
	}
	if err := seed.Validate(); err != nil {
		return nil, fmt.Errorf("invalid seed %s: %w", path, err)
	}
	return &seed, nil
}

func (s *Seed) Validate() error {
	seen := make(map[int64]bool)
	for _, t := range s.Topics {
		if seen[t.ID] {
			return fmt.Errorf("duplicate topic id %d", t.ID)
		}
		seen[t.ID] = true

		switch t.SubscriptionType {
		case fabric.MandatorySubscription, fabric.OptionalSubscription:
		default:
			return fmt.Errorf("topic %d: unknown subscription type %q", t.ID, t.SubscriptionType)
		}
	}
	for externalID, user := range s.Users {
		if !fabric.ValidTopicLevel(user) {
			return fmt.Errorf("user %q of %s is not a valid topic level", user, externalID)
		}
	}
	return nil
}

// UserFor maps an external id to a user id. Unknown ids are their own user.
func (s *Seed) UserFor(externalID string) string {
	if user, ok := s.Users[externalID]; ok {
		return user
	}
	return externalID
}

// Topic looks up an offered topic.
func (s *Seed) Topic(id int64) (fabric.Topic, bool) {
	for _, t := range s.Topics {
		if t.ID == id {
			return t, true
		}
	}
	return fabric.Topic{}, false
}

func (s *Seed) configurationJSON() ([]byte, error) {
	if s.Configuration == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.Configuration)
}
