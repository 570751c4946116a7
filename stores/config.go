package stores

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig lists all the fields needed to connect to a PostgreSQL database.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslMode"`
}

// String returns a connection string.
func (dc DatabaseConfig) String() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", dc.Host, dc.Port, dc.User, dc.Password, dc.Database, dc.SSLMode)
}

// IdentityConfig names the domain member the daemon runs the secure
// channel for.
type IdentityConfig struct {
	Domain       string `yaml:"domain"`
	Realm        string `yaml:"realm"`
	ComputerName string `yaml:"computerName"`
	DomainGUID   string `yaml:"domainGuid"`
}

// Config lists the config fields.
type Config struct {
	Mode         string         `yaml:"mode"`
	APIPort      int            `yaml:"apiPort"`
	APIPassword  string         `yaml:"apiPassword"`
	Store        string         `yaml:"store"`
	RotationDays int            `yaml:"rotationDays"`
	RequireAES   bool           `yaml:"requireAes"`
	Identity     IdentityConfig `yaml:"identity"`
	Database     DatabaseConfig `yaml:"database"`
}

// ReadConfig tries to read the config from the specified directory.
func ReadConfig(dir string) (cfg Config, err error) {
	path := filepath.Join(dir, "netlogond.yml")
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	err = dec.Decode(&cfg)
	return
}
