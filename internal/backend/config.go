package backend

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Backend type tags. Dispatch happens once, in Open.
const (
	TypeS3     = "s3"
	TypeSFTP   = "sftp"
	TypeAzure  = "azure"
	TypeLocal  = "local"
	TypeWebDAV = "webdav"
	TypeRelay  = "relay"
	TypeMemory = "memory"
)

// Config is the tagged-variant configuration for a Store. Exactly the
// sub-config matching Type is consulted; the others are ignored.
// Configuration is immutable after Open.
type Config struct {
	Type   string       `json:"type" yaml:"type"`
	S3     S3Config     `json:"s3,omitempty" yaml:"s3,omitempty"`
	SFTP   SFTPConfig   `json:"sftp,omitempty" yaml:"sftp,omitempty"`
	Azure  AzureConfig  `json:"azure,omitempty" yaml:"azure,omitempty"`
	Local  LocalConfig  `json:"local,omitempty" yaml:"local,omitempty"`
	WebDAV WebDAVConfig `json:"webdav,omitempty" yaml:"webdav,omitempty"`
	Relay  RelayConfig  `json:"relay,omitempty" yaml:"relay,omitempty"`
}

type S3Config struct {
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	Region          string `json:"region" yaml:"region"`
	Bucket          string `json:"bucket" yaml:"bucket"`
	Prefix          string `json:"prefix" yaml:"prefix"`
	AccessKeyID     string `json:"accessKeyId" yaml:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey" yaml:"secretAccessKey"`
}

type SFTPConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"` // 0 means 22
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	KeyFile  string `json:"keyFile" yaml:"keyFile"`
	BasePath string `json:"basePath" yaml:"basePath"`
}

type AzureConfig struct {
	AccountName string `json:"accountName" yaml:"accountName"`
	AccountKey  string `json:"accountKey" yaml:"accountKey"`
	Share       string `json:"share" yaml:"share"`
	BasePath    string `json:"basePath" yaml:"basePath"`
}

type LocalConfig struct {
	BasePath string `json:"basePath" yaml:"basePath"`
}

type WebDAVConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	HTTPS    bool   `json:"https" yaml:"https"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	BasePath string `json:"basePath" yaml:"basePath"`
}

type RelayConfig struct {
	URL   string `json:"url" yaml:"url"` // ws:// or wss:// endpoint of the relay peer
	Token string `json:"token" yaml:"token"`
}

//go:embed config_schema.json
var configSchemaJSON []byte

var configSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(configSchemaJSON))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config_schema.json", doc); err != nil {
		panic(err)
	}
	schema, err := c.Compile("config_schema.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// ParseConfig validates a raw JSON configuration document against the
// embedded schema and decodes it. Validation happens here, at parse time,
// so that a store never discovers a missing field mid-operation.
func ParseConfig(raw []byte) (Config, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := configSchema.Validate(doc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields the schema cannot express, such as
// type-specific required fields.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case TypeS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("%w: s3 bucket is required", ErrInvalidInput)
		}
	case TypeSFTP:
		if c.SFTP.Host == "" || c.SFTP.Username == "" {
			return fmt.Errorf("%w: sftp host and username are required", ErrInvalidInput)
		}
	case TypeAzure:
		if c.Azure.AccountName == "" || c.Azure.Share == "" {
			return fmt.Errorf("%w: azure accountName and share are required", ErrInvalidInput)
		}
	case TypeLocal:
		if c.Local.BasePath == "" {
			return fmt.Errorf("%w: local basePath is required", ErrInvalidInput)
		}
	case TypeWebDAV:
		if c.WebDAV.Host == "" {
			return fmt.Errorf("%w: webdav host is required", ErrInvalidInput)
		}
	case TypeRelay:
		if !strings.HasPrefix(c.Relay.URL, "ws://") && !strings.HasPrefix(c.Relay.URL, "wss://") {
			return fmt.Errorf("%w: relay url must start with ws:// or wss://", ErrInvalidInput)
		}
	case TypeMemory:
	case "":
		return fmt.Errorf("%w: missing backend type", ErrInvalidInput)
	default:
		// leave unknown types to registered factories; Open rejects them
		// if nothing is registered
		if _, ok := lookup(c.Type); !ok {
			return fmt.Errorf("%w: %q", ErrUnsupported, c.Type)
		}
	}
	return nil
}

// id derives the credential-free identifier for the configured store.
func (c Config) id() string {
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case TypeS3:
		return fmt.Sprintf("s3://%s/%s", c.S3.Bucket, strings.TrimPrefix(c.S3.Prefix, "/"))
	case TypeSFTP:
		return fmt.Sprintf("sftp://%s@%s%s", c.SFTP.Username, c.SFTP.Host, c.SFTP.BasePath)
	case TypeAzure:
		return fmt.Sprintf("azure://%s/%s", c.Azure.AccountName, c.Azure.Share)
	case TypeLocal:
		return "file://" + c.Local.BasePath
	case TypeWebDAV:
		return fmt.Sprintf("webdav://%s%s", c.WebDAV.Host, c.WebDAV.BasePath)
	case TypeRelay:
		return "relay://" + strings.TrimPrefix(strings.TrimPrefix(c.Relay.URL, "wss://"), "ws://")
	case TypeMemory:
		return "memory://"
	default:
		return c.Type + "://"
	}
}
