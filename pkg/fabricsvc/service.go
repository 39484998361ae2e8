// Package fabricsvc implements the fabric side of the endpoint protocol:
// identity attachment, topic and configuration sync, profile tracking and
// notification publishing.
package fabricsvc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/iot-go-garage/pkg/fabric"
	"github.com/iot-go-garage/pkg/logger"
	"github.com/iot-go-garage/pkg/mqtt"
	"github.com/iot-go-garage/pkg/rrpc"
)

const profileFilter = "fabric/endpoints/+/profile"

// Endpoint is what the fabric knows about a connected endpoint.
type Endpoint struct {
	ID       string
	Profile  fabric.Profile
	UserID   string
	LastSeen time.Time
}

// Service answers endpoint requests over a transport connected to the
// broker.
type Service struct {
	transport mqtt.Transport
	server    *rrpc.Server
	seed      *Seed
	verifier  TokenVerifier
	logger    *logrus.Entry

	mutex     sync.RWMutex
	endpoints map[string]*Endpoint
}

func New(transport mqtt.Transport, seed *Seed, verifier TokenVerifier) *Service {
	s := &Service{
		transport: transport,
		server:    rrpc.NewServer(transport),
		seed:      seed,
		verifier:  verifier,
		logger:    logger.For("fabric"),
		endpoints: make(map[string]*Endpoint),
	}
	s.server.RegisterHandler("attach", s.attach)
	s.server.RegisterHandler("sync", s.sync)
	return s
}

func (s *Service) SetLogger(logger *logrus.Entry) {
	s.logger = logger
	s.server.SetLogger(logger)
}

func (s *Service) Name() string { return "fabric" }

func (s *Service) Dependencies() []string { return []string{"loopback"} }

func (s *Service) Start(ctx context.Context) error {
	if err := s.transport.Subscribe(profileFilter, 1, s.handleProfile); err != nil {
		return fmt.Errorf("failed to subscribe to profiles: %w", err)
	}
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("failed to start rrpc server: %w", err)
	}
	s.logger.Infof("Fabric service serving %d topics", len(s.seed.Topics))
	return nil
}

func (s *Service) Stop() error {
	if !s.transport.IsConnected() {
		return nil
	}
	if err := s.server.Stop(); err != nil {
		return err
	}
	return s.transport.Unsubscribe(profileFilter)
}

// Endpoints lists the endpoints seen so far, ordered by id.
func (s *Service) Endpoints() []Endpoint {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) endpoint(id string) *Endpoint {
	e, ok := s.endpoints[id]
	if !ok {
		e = &Endpoint{ID: id}
		s.endpoints[id] = e
	}
	e.LastSeen = time.Now().UTC()
	return e
}

func (s *Service) attach(endpointID string, params json.RawMessage) (interface{}, error) {
	var req fabric.AttachRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("malformed attach request: %w", err)
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		return nil, fmt.Errorf("external id is required")
	}
	if !fabric.ValidTopicLevel(req.ExternalID) {
		return nil, fmt.Errorf("external id %q contains '+', '#' or '/'", req.ExternalID)
	}
	if err := s.verifier.Verify(req.ExternalID, req.AccessToken); err != nil {
		s.logger.Warnf("Rejected attach of %s as %s: %v", endpointID, req.ExternalID, err)
		return nil, err
	}

	userID := s.seed.UserFor(req.ExternalID)
	if !fabric.ValidTopicLevel(userID) {
		return nil, fmt.Errorf("user id %q of %s contains '+', '#' or '/'", userID, req.ExternalID)
	}

	s.mutex.Lock()
	s.endpoint(endpointID).UserID = userID
	s.mutex.Unlock()

	s.logger.Infof("Attached endpoint %s to user %s", endpointID, userID)
	return fabric.AttachResponse{UserID: userID}, nil
}

func (s *Service) sync(endpointID string, _ json.RawMessage) (interface{}, error) {
	topics, err := json.Marshal(s.seed.Topics)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal topics: %w", err)
	}
	configuration, err := s.seed.configurationJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := s.transport.Publish(fabric.TopicListTopic(endpointID), topics, 1, false); err != nil {
		return nil, fmt.Errorf("failed to push topics: %w", err)
	}
	if err := s.transport.Publish(fabric.ConfigurationTopic(endpointID), configuration, 1, false); err != nil {
		return nil, fmt.Errorf("failed to push configuration: %w", err)
	}

	s.mutex.Lock()
	s.endpoint(endpointID)
	s.mutex.Unlock()

	s.logger.Debugf("Synced endpoint %s", endpointID)
	return nil, nil
}

func (s *Service) handleProfile(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return
	}

	var profile fabric.Profile
	if err := json.Unmarshal(payload, &profile); err != nil {
		s.logger.Warnf("Malformed profile on %s: %v", topic, err)
		return
	}

	s.mutex.Lock()
	s.endpoint(parts[2]).Profile = profile
	s.mutex.Unlock()

	s.logger.Infof("Endpoint %s reported profile %s (%s, firmware %s)",
		parts[2], profile.SerialNumber, profile.Platform, profile.FirmwareVersion)
}

// PublishNotification publishes payload on topicID if the seed offers it.
func PublishNotification(transport mqtt.Transport, seed *Seed, topicID int64, payload interface{}) error {
	if _, ok := seed.Topic(topicID); !ok {
		return fmt.Errorf("%w: %d", fabric.ErrUnavailableTopic, topicID)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := transport.Publish(fabric.NotificationTopic(topicID), data, 1, false); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
