package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	StorageTypeMemory = "memory"
	StorageTypeSqlite = "sqlite"
)

type Config struct {
	Server  Server  `yaml:"server" json:"server"` // configuration of the public REST server
	Name    string  `yaml:"name" json:"name" env:"ENGINE_NAME"`
	Storage Storage `yaml:"storage" json:"storage"`
	Engine  Engine  `yaml:"engine" json:"engine"`
	Log     Log     `yaml:"log" json:"log"`
}

type Server struct {
	Context string `yaml:"context" json:"context" env:"REST_API_CONTEXT" env-default:"/"`
	Addr    string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
	// AllowedOrigins restricts CORS access; empty admits any origin
	AllowedOrigins []string `yaml:"allowedOrigins" json:"allowedOrigins" env:"REST_API_ALLOWED_ORIGINS"`
}

type Storage struct {
	// Type selects the store implementation: memory or sqlite
	Type string `yaml:"type" json:"type" env:"STORAGE_TYPE" env-default:"memory"`
	// Dsn is the sqlite data source name, e.g. file:abada.db
	Dsn string `yaml:"dsn" json:"dsn" env:"STORAGE_DSN" env-default:"file:abada.db"`
}

type Engine struct {
	TimerPollInterval time.Duration `yaml:"timerPollInterval" json:"timerPollInterval" env:"ENGINE_TIMER_POLL_INTERVAL" env-default:"1s"`
	DefaultRetries    int           `yaml:"defaultRetries" json:"defaultRetries" env:"ENGINE_DEFAULT_RETRIES" env-default:"3"`
}

type Log struct {
	Level string `yaml:"level" json:"level" env:"LOG_LEVEL" env-default:"info"`
}

func (c Config) defaults() Config {
	if c.Name == "" {
		c.Name = "abada-engine"
	}
	return c
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c.defaults()
}
