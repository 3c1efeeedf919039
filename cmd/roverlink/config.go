package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/openteleop/roverlink/link"
	"github.com/openteleop/roverlink/transport"
	"github.com/openteleop/roverlink/video"
	"github.com/openteleop/roverlink/video/mjpeg"
	"github.com/openteleop/roverlink/vision"
)

// config is the YAML schema for the roverlink command.
//
//	broker:
//	  address: 10.0.0.5
//	  port: 1883
//	  client_id: roverlink
//	  keep_alive: 30s
//	topics:
//	  control: rover/control
//	  status_request: rover/status/request
//	  status_response: rover/status/response
//	video:
//	  url: http://10.0.0.20:8080/stream
//	vision:
//	  endpoint: ""
type config struct {
	Broker struct {
		Address   string        `yaml:"address"`
		Port      int           `yaml:"port"`
		ClientID  string        `yaml:"client_id"`
		KeepAlive time.Duration `yaml:"keep_alive"`
	} `yaml:"broker"`
	Topics struct {
		Control        string `yaml:"control"`
		StatusRequest  string `yaml:"status_request"`
		StatusResponse string `yaml:"status_response"`
	} `yaml:"topics"`
	Video struct {
		URL string `yaml:"url"`
	} `yaml:"video"`
	Vision struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"vision"`
}

func loadConfig(path string) (*config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	var cfg config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if cfg.Topics.Control == "" || cfg.Topics.StatusRequest == "" || cfg.Topics.StatusResponse == "" {
		return nil, errors.New("all three topics must be configured")
	}
	if cfg.Video.URL == "" {
		return nil, errors.New("video url must be configured")
	}
	return &cfg, nil
}

func (c *config) mqttConfig() transport.MQTTConfig {
	return transport.MQTTConfig{
		BrokerAddress: c.Broker.Address,
		BrokerPort:    c.Broker.Port,
		ClientID:      c.Broker.ClientID,
		KeepAlive:     c.Broker.KeepAlive,
	}
}

func (c *config) connectionConfig() link.ConnectionConfig {
	return link.ConnectionConfig{StatusTopic: c.Topics.StatusResponse}
}

func (c *config) pollerConfig() link.PollerConfig {
	return link.PollerConfig{
		RequestTopic:  c.Topics.StatusRequest,
		ResponseTopic: c.Topics.StatusResponse,
	}
}

func (c *config) controlConfig() link.ControlConfig {
	return link.ControlConfig{Topic: c.Topics.Control}
}

func (c *config) monitorConfig() video.MonitorConfig {
	return video.MonitorConfig{}
}

func (c *config) streamConfig() mjpeg.StreamConfig {
	return mjpeg.StreamConfig{URL: c.Video.URL}
}

func (c *config) visionConfig() vision.Config {
	return vision.Config{Endpoint: c.Vision.Endpoint}
}
