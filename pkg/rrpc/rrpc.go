package rrpc

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iot-go-garage/pkg/logger"
	"github.com/iot-go-garage/pkg/mqtt"
)

const (
	Version = "1.0"

	CodeOK             = 200
	CodeBadRequest     = 400
	CodeMethodNotFound = 404
	CodeInternalError  = 500
)

var ErrMethodNotFound = errors.New("rpc method not found")

// RequestHandler serves one method. endpointID names the caller.
type RequestHandler func(endpointID string, params json.RawMessage) (interface{}, error)

type Request struct {
	ID      string          `json:"id"`
	Version string          `json:"version"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID      string          `json:"id"`
	Version string          `json:"version"`
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Err converts a non-OK response into an error.
func (r *Response) Err() error {
	switch r.Code {
	case CodeOK:
		return nil
	case CodeMethodNotFound:
		return fmt.Errorf("%w: %s", ErrMethodNotFound, r.Message)
	default:
		return fmt.Errorf("rpc failed with code %d: %s", r.Code, r.Message)
	}
}

// Decode unmarshals the response data into v.
func (r *Response) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("rpc response %s carries no data", r.ID)
	}
	return json.Unmarshal(r.Data, v)
}

func RequestTopic(endpointID, requestID string) string {
	return fmt.Sprintf("fabric/rpc/%s/request/%s", endpointID, requestID)
}

func ResponseTopic(endpointID, requestID string) string {
	return fmt.Sprintf("fabric/rpc/%s/response/%s", endpointID, requestID)
}

// Client issues calls on behalf of one endpoint.
type Client struct {
	transport  mqtt.Transport
	endpointID string
	logger     *logrus.Entry
}

func NewClient(transport mqtt.Transport, endpointID string) *Client {
	return &Client{
		transport:  transport,
		endpointID: endpointID,
		logger:     logger.For("rrpc"),
	}
}

func (c *Client) SetLogger(logger *logrus.Entry) {
	c.logger = logger
}

// Call publishes a request and waits for its response or for ctx to end.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	requestID := uuid.NewString()

	request := Request{
		ID:      requestID,
		Version: Version,
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal RRPC params: %w", err)
		}
		request.Params = raw
	}

	requestData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RRPC request: %w", err)
	}

	requestTopic := RequestTopic(c.endpointID, requestID)
	responseTopic := ResponseTopic(c.endpointID, requestID)

	responseChan := make(chan *Response, 1)
	errorChan := make(chan error, 1)

	if err := c.transport.Subscribe(responseTopic, 1, func(topic string, payload []byte) {
		var response Response
		if err := json.Unmarshal(payload, &response); err != nil {
			select {
			case errorChan <- fmt.Errorf("failed to unmarshal RRPC response: %w", err):
			default:
			}
			return
		}
		select {
		case responseChan <- &response:
		default:
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to subscribe to response topic: %w", err)
	}
	defer c.transport.Unsubscribe(responseTopic)

	c.logger.Debugf("Calling %s (ID: %s)", method, requestID)
	if err := c.transport.Publish(requestTopic, requestData, 1, false); err != nil {
		return nil, fmt.Errorf("failed to publish RRPC request: %w", err)
	}

	select {
	case response := <-responseChan:
		return response, nil
	case err := <-errorChan:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("RRPC call %s timeout: %w", method, ctx.Err())
	}
}

// Server answers requests from every endpoint.
type Server struct {
	transport    mqtt.Transport
	handlers     map[string]RequestHandler
	mutex        sync.RWMutex
	logger       *logrus.Entry
	requestIdReg *regexp.Regexp
}

const serverFilter = "fabric/rpc/+/request/+"

func NewServer(transport mqtt.Transport) *Server {
	return &Server{
		transport:    transport,
		handlers:     make(map[string]RequestHandler),
		logger:       logger.For("rrpc"),
		requestIdReg: regexp.MustCompile(`^fabric/rpc/([^/]+)/request/([^/]+)$`),
	}
}

func (s *Server) SetLogger(logger *logrus.Entry) {
	s.logger = logger
}

func (s *Server) Start() error {
	if !s.transport.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}
	return s.transport.Subscribe(serverFilter, 1, s.handleRequest)
}

func (s *Server) Stop() error {
	return s.transport.Unsubscribe(serverFilter)
}

func (s *Server) RegisterHandler(method string, handler RequestHandler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.handlers[method] = handler
}

func (s *Server) UnregisterHandler(method string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.handlers, method)
}

func (s *Server) handleRequest(topic string, payload []byte) {
	matches := s.requestIdReg.FindStringSubmatch(topic)
	if len(matches) < 3 {
		s.logger.Warnf("Failed to extract request ID from topic: %s", topic)
		return
	}
	endpointID, requestID := matches[1], matches[2]

	var request Request
	if err := json.Unmarshal(payload, &request); err != nil {
		s.logger.Warnf("Failed to unmarshal RRPC request: %v", err)
		s.sendResponse(endpointID, Response{ID: requestID, Version: Version, Code: CodeBadRequest, Message: "Invalid JSON format"})
		return
	}

	s.mutex.RLock()
	handler, exists := s.handlers[request.Method]
	s.mutex.RUnlock()

	if !exists {
		s.logger.Warnf("No handler registered for method: %s", request.Method)
		s.sendResponse(endpointID, Response{
			ID:      requestID,
			Version: Version,
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("Method '%s' not found", request.Method),
		})
		return
	}

	result, err := handler(endpointID, request.Params)
	if err != nil {
		s.logger.Infof("Handler %s for %s returned error: %v", request.Method, endpointID, err)
		s.sendResponse(endpointID, Response{ID: requestID, Version: Version, Code: CodeInternalError, Message: err.Error()})
		return
	}

	response := Response{ID: requestID, Version: Version, Code: CodeOK}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			s.sendResponse(endpointID, Response{ID: requestID, Version: Version, Code: CodeInternalError, Message: err.Error()})
			return
		}
		response.Data = data
	}
	s.sendResponse(endpointID, response)
}

func (s *Server) sendResponse(endpointID string, response Response) {
	responseTopic := ResponseTopic(endpointID, response.ID)

	responseData, err := json.Marshal(response)
	if err != nil {
		s.logger.Errorf("Failed to marshal RRPC response: %v", err)
		return
	}

	if err := s.transport.Publish(responseTopic, responseData, 1, false); err != nil {
		s.logger.Errorf("Failed to publish RRPC response: %v", err)
		return
	}

	s.logger.Debugf("Sent RRPC response to topic: %s", responseTopic)
}
