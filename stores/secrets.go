package stores

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MachineSecrets is the member's copy of its domain join: the machine
// account password pair and the identity it was issued for.
type MachineSecrets struct {
	Domain            string    `json:"domain"`
	Realm             string    `json:"realm"`
	ComputerName      string    `json:"computerName"`
	DomainGUID        uuid.UUID `json:"domainGuid"`
	Password          string    `json:"password"`
	PreviousPassword  string    `json:"previousPassword,omitempty"`
	SecureChannelType int       `json:"secureChannelType"`
	LastChangedAt     time.Time `json:"lastChangedAt"`
}

// AccountName returns the sAMAccountName form of the machine identity.
func (ms MachineSecrets) AccountName() string {
	return ms.ComputerName + "$"
}

// SecretsStore persists the machine secrets as a JSON file, rewritten on
// every password rotation. Safe for concurrent use.
type SecretsStore struct {
	mu      sync.Mutex
	path    string
	secrets *MachineSecrets
}

// NewJSONSecretsStore returns a SecretsStore backed by secrets.json in
// the given directory. A missing file is not an error; it means the
// member has not been seeded yet.
func NewJSONSecretsStore(dir string) (*SecretsStore, error) {
	ss := &SecretsStore{
		path: filepath.Join(dir, "secrets.json"),
	}
	if err := ss.load(); err != nil {
		return nil, err
	}
	return ss, nil
}

func (ss *SecretsStore) load() error {
	js, err := os.ReadFile(ss.path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	var ms MachineSecrets
	if err := json.Unmarshal(js, &ms); err != nil {
		return err
	}
	ss.secrets = &ms
	return nil
}

// Get returns the stored secrets, reporting whether any have been seeded.
func (ss *SecretsStore) Get() (MachineSecrets, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.secrets == nil {
		return MachineSecrets{}, false
	}
	return *ss.secrets, true
}

// Put stores the secrets and persists them.
func (ss *SecretsStore) Put(ms MachineSecrets) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	js, err := json.MarshalIndent(ms, "", "\t")
	if err != nil {
		return err
	}
	if err := os.WriteFile(ss.path, js, 0600); err != nil {
		return err
	}
	ss.secrets = &ms
	return nil
}
