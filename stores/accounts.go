package stores

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Account is one user the loopback validator will accept logons for.
type Account struct {
	Username string `json:"username"`
	FullName string `json:"fullName,omitempty"`
	Password string `json:"password"`
}

type persistData struct {
	Accounts []Account `json:"accounts"`
}

// AccountStore represents a user account database.
type AccountStore struct {
	Accounts map[string]Account
}

// NewJSONAccountStore returns an initialized AccountStore.
func NewJSONAccountStore(dir string) (*AccountStore, error) {
	as := &AccountStore{
		Accounts: make(map[string]Account),
	}
	err := as.load(dir)
	if err != nil {
		return nil, err
	}
	return as, nil
}

func (as *AccountStore) load(dir string) error {
	var p persistData
	if js, err := os.ReadFile(filepath.Join(dir, "accounts.json")); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	} else if err := json.Unmarshal(js, &p); err != nil {
		return err
	}
	for _, a := range p.Accounts {
		as.Accounts[a.Username] = a
	}
	return nil
}
