package config

import (
	"flag"
	"io"
)

// Overrides holds the command-line values that were explicitly given.
// A nil field means the flag was not passed and the file/default value stays.
type Overrides struct {
	ConfigPath string

	Host       *string
	Port       *int
	Output     *string
	Single     *bool
	NoEncode   *bool
	KeepRaw    *bool
	MaxWorkers *int

	MQTTBroker   *string
	MQTTPort     *int
	MQTTUsername *string
	MQTTPassword *string
	MQTTTopic    *string

	TranscriptionURL *string
	LogLevel         *string
}

// ParseFlags parses args (without the program name). Go's flag package
// accepts both -name and --name.
func ParseFlags(name string, args []string, output io.Writer) (*Overrides, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)

	var (
		configPath       string
		host             string
		port             int
		out              string
		single           bool
		noEncode         bool
		keepRaw          bool
		maxWorkers       int
		mqttBroker       string
		mqttPort         int
		mqttUsername     string
		mqttPassword     string
		mqttTopic        string
		transcriptionURL string
		logLevel         string
	)

	fs.StringVar(&configPath, "config", "", "Path to YAML configuration file")
	fs.StringVar(&configPath, "c", "", "Path to YAML configuration file (shorthand)")
	fs.StringVar(&host, "host", "", "Host to bind to (default 0.0.0.0)")
	fs.IntVar(&port, "port", 0, "Port to listen on (default 8888)")
	fs.StringVar(&out, "output", "", "Output file pattern (default audio.raw)")
	fs.BoolVar(&single, "single", false, "Exit after the first connection completes")
	fs.BoolVar(&noEncode, "no-encode", false, "Disable encoding, keep raw captures only")
	fs.BoolVar(&noEncode, "no-mp3", false, "Alias for -no-encode")
	fs.BoolVar(&keepRaw, "keep-raw", false, "Keep the raw capture after encoding")
	fs.IntVar(&maxWorkers, "max-workers", 0, "Maximum concurrent sessions (default 4)")
	fs.StringVar(&mqttBroker, "mqtt-broker", "", "MQTT broker hostname or IP address")
	fs.IntVar(&mqttPort, "mqtt-port", 0, "MQTT broker port (default 1883)")
	fs.StringVar(&mqttUsername, "mqtt-username", "", "MQTT username")
	fs.StringVar(&mqttPassword, "mqtt-password", "", "MQTT password")
	fs.StringVar(&mqttTopic, "mqtt-topic", "", "MQTT topic for transcription events")
	fs.StringVar(&transcriptionURL, "transcription-url", "", "Transcription endpoint URL")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	o := &Overrides{ConfigPath: configPath}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			o.Host = &host
		case "port":
			o.Port = &port
		case "output":
			o.Output = &out
		case "single":
			o.Single = &single
		case "no-encode", "no-mp3":
			o.NoEncode = &noEncode
		case "keep-raw":
			o.KeepRaw = &keepRaw
		case "max-workers":
			o.MaxWorkers = &maxWorkers
		case "mqtt-broker":
			o.MQTTBroker = &mqttBroker
		case "mqtt-port":
			o.MQTTPort = &mqttPort
		case "mqtt-username":
			o.MQTTUsername = &mqttUsername
		case "mqtt-password":
			o.MQTTPassword = &mqttPassword
		case "mqtt-topic":
			o.MQTTTopic = &mqttTopic
		case "transcription-url":
			o.TranscriptionURL = &transcriptionURL
		case "log-level":
			o.LogLevel = &logLevel
		}
	})

	return o, nil
}

// Apply copies every explicitly given value onto c.
func (o *Overrides) Apply(c *Config) {
	if o.Host != nil {
		c.Server.Host = *o.Host
	}
	if o.Port != nil {
		c.Server.Port = *o.Port
	}
	if o.Output != nil {
		c.Recording.OutputPattern = *o.Output
	}
	if o.Single != nil {
		c.Recording.SingleConnection = *o.Single
	}
	if o.NoEncode != nil {
		c.Recording.EncodingEnabled = !*o.NoEncode
	}
	if o.KeepRaw != nil {
		c.Recording.KeepRaw = *o.KeepRaw
	}
	if o.MaxWorkers != nil {
		c.Server.MaxWorkers = *o.MaxWorkers
	}
	if o.MQTTBroker != nil {
		c.MQTT.Broker = *o.MQTTBroker
	}
	if o.MQTTPort != nil {
		c.MQTT.Port = *o.MQTTPort
	}
	if o.MQTTUsername != nil {
		c.MQTT.Username = *o.MQTTUsername
	}
	if o.MQTTPassword != nil {
		c.MQTT.Password = *o.MQTTPassword
	}
	if o.MQTTTopic != nil {
		c.MQTT.Topic = *o.MQTTTopic
	}
	if o.TranscriptionURL != nil {
		c.Transcription.Endpoint = *o.TranscriptionURL
	}
	if o.LogLevel != nil {
		c.Logging.Level = *o.LogLevel
	}
}
