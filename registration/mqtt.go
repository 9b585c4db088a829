package registration

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PoseHandler is called for each pose message received from a tool topic.
// err is set when the payload could not be decoded.
type PoseHandler func(toolID string, sample PoseSample, err error)

// CommandHandler is called when a workflow command arrives on the command topic
type CommandHandler func(command string)

// Workflow commands accepted on the command topic
var knownCommands = map[string]bool{
	"start":  true,
	"stop":   true,
	"reset":  true,
	"record": true,
	"solve":  true,
	"clear":  true,
	// model registration
	"landmark": true,
	"align":    true,
}

// MQTTClient manages the MQTT connection and the tool pose subscriptions
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	poseHandler    PoseHandler
	commandHandler CommandHandler
	isConnected    bool
	mu             sync.RWMutex
}

// poseMessage is the wire format of a tracked tool pose
type poseMessage struct {
	Matrix    []float64 `json:"matrix"`
	Valid     *bool     `json:"valid"`
	Timestamp *float64  `json:"timestamp"`
}

// DecodePoseMessage decodes a JSON pose message.
// The matrix must have 16 row-major elements; a missing "valid" means valid.
func DecodePoseMessage(payload []byte) (PoseSample, error) {
	var msg poseMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return PoseSample{}, fmt.Errorf("decoding pose message: %w", err)
	}
	if len(msg.Matrix) != 16 {
		return PoseSample{}, fmt.Errorf("pose matrix has %d elements, want 16", len(msg.Matrix))
	}
	if msg.Timestamp == nil {
		return PoseSample{}, errors.New("pose message has no timestamp")
	}

	var sample PoseSample
	copy(sample.Matrix[:], msg.Matrix)
	sample.Valid = msg.Valid == nil || *msg.Valid
	sample.Timestamp = *msg.Timestamp
	return sample, nil
}

// EncodePoseMessage is the inverse of DecodePoseMessage
func EncodePoseMessage(s PoseSample) ([]byte, error) {
	valid := s.Valid
	ts := s.Timestamp
	return json.Marshal(poseMessage{Matrix: s.Matrix[:], Valid: &valid, Timestamp: &ts})
}

// InitMQTT creates the MQTT client and starts connecting in the background.
// If neither MQTT_BROKER nor mqtt.broker is set, MQTT is disabled and this returns nil, nil.
func InitMQTT(config *Config, handler PoseHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Tools) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no tool configuration provided")
	}

	client := &MQTTClient{
		config:      config,
		poseHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "navreg"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	// Poses per tool must be delivered in order. Handlers run on the
	// router goroutine, so publishes from them are bounded by publishTimeout.
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to every tool topic and to the command topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("MQTT connected, subscribing to tool topics...")
	c.setConnected(true)

	for _, tool := range c.config.Tools {
		if tool.Topic == "" {
			log.Printf("Warning: tool %s has no topic configured", tool.ID)
			continue
		}

		log.Printf("Subscribing to %s for tool %s", tool.Topic, tool.ID)
		token := client.Subscribe(tool.Topic, 0, c.createPoseHandler(tool.ID))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("Error subscribing to %s: %v", tool.Topic, token.Error())
		}
	}

	cmdTopic := CommandTopic(c.config)
	token := client.Subscribe(cmdTopic, 1, c.createCommandHandler())
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("Error subscribing to %s: %v", cmdTopic, token.Error())
	}
}

// onConnectionLost is called when the MQTT connection is lost
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// onReconnecting is called when the client attempts to reconnect
func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

// createPoseHandler decodes pose messages for one tool
func (c *MQTTClient) createPoseHandler(toolID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		sample, err := DecodePoseMessage(msg.Payload())
		if err != nil {
			log.Printf("Error decoding pose for %s (topic %s): %v", toolID, msg.Topic(), err)
		}
		if c.poseHandler != nil {
			c.poseHandler(toolID, sample, err)
		}
	}
}

// CommandTopic returns the topic workflow commands are read from
func CommandTopic(config *Config) string {
	return publishPrefix(config) + "/command"
}

// ParseCommand normalizes a command payload: a JSON string, a JSON object
// {"command": "..."} or raw text. ok is false for unknown commands.
func ParseCommand(payload []byte) (string, bool) {
	var obj struct {
		Command string `json:"command"`
	}
	var cmd string
	if err := json.Unmarshal(payload, &obj); err == nil && obj.Command != "" {
		cmd = obj.Command
	} else if err := json.Unmarshal(payload, &cmd); err != nil {
		cmd = string(payload)
	}
	cmd = strings.ToLower(strings.TrimSpace(cmd))
	return cmd, knownCommands[cmd]
}

// createCommandHandler dispatches workflow commands
func (c *MQTTClient) createCommandHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		cmd, ok := ParseCommand(msg.Payload())
		if !ok {
			log.Printf("Ignoring unknown command %q on %s", cmd, msg.Topic())
			return
		}
		log.Printf("Received command: %s", cmd)
		if handler := c.getCommandHandler(); handler != nil {
			handler(cmd)
		}
	}
}

// SetCommandHandler registers the callback for workflow commands
func (c *MQTTClient) SetCommandHandler(handler CommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commandHandler = handler
}

// getCommandHandler returns the current command handler in a thread-safe manner
func (c *MQTTClient) getCommandHandler() CommandHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commandHandler
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// setConnected updates the connection status
func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient around a provided mqtt.Client for tests
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler PoseHandler) *MQTTClient {
	return &MQTTClient{
		client:      client,
		config:      config,
		poseHandler: handler,
	}
}

// publishPrefix resolves the topic prefix: env, then config, then "navreg"
func publishPrefix(config *Config) string {
	if p := os.Getenv("MQTT_PUBLISH_PREFIX"); p != "" {
		return p
	}
	if config != nil && config.MQTT.PublishPrefix != "" {
		return config.MQTT.PublishPrefix
	}
	return "navreg"
}
