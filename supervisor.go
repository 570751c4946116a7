package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/KlongLee/samba/api"
	"github.com/KlongLee/samba/credentials"
	"github.com/KlongLee/samba/netlogon"
	"github.com/KlongLee/samba/stores"
	"github.com/KlongLee/samba/utils"
	"github.com/google/uuid"
)

// store is the persistence surface the supervisor needs. Both the JSON
// file stores and the PostgreSQL store implement it.
type store interface {
	GetMachineSecrets(ctx context.Context, computerName string) (stores.MachineSecrets, error)
	PutMachineSecrets(ctx context.Context, ms stores.MachineSecrets) error
	GetAccounts(ctx context.Context) ([]stores.Account, error)
}

// jsonStore adapts the JSON file stores to the store interface. The file
// holds a single machine, so a foreign computer name means no secrets.
type jsonStore struct {
	secrets  *stores.SecretsStore
	accounts *stores.AccountStore
}

func (j *jsonStore) GetMachineSecrets(_ context.Context, computerName string) (stores.MachineSecrets, error) {
	ms, ok := j.secrets.Get()
	if !ok || !strings.EqualFold(ms.ComputerName, computerName) {
		return stores.MachineSecrets{}, stores.ErrSecretsNotFound
	}
	return ms, nil
}

func (j *jsonStore) PutMachineSecrets(_ context.Context, ms stores.MachineSecrets) error {
	return j.secrets.Put(ms)
}

func (j *jsonStore) GetAccounts(_ context.Context) ([]stores.Account, error) {
	accounts := make([]stores.Account, 0, len(j.accounts.Accounts))
	for _, acc := range j.accounts.Accounts {
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// supervisor owns the member's credentials and drives the secure channel:
// it establishes the channel, watches its state, and rotates the machine
// password on schedule.
type supervisor struct {
	cfg        stores.Config
	store      store
	server     *netlogon.LocalServer
	creds      *credentials.Credentials
	secrets    stores.MachineSecrets
	instanceID uuid.UUID
	start      time.Time

	mu sync.Mutex
}

// newSupervisor loads the machine secrets (seeding them on first run),
// brings up the loopback controller, and prepares the credentials. The
// channel is not established yet; connect does that.
func newSupervisor(ctx context.Context, cfg stores.Config, s store) (*supervisor, error) {
	sup := &supervisor{
		cfg:        cfg,
		store:      s,
		instanceID: uuid.New(),
		start:      time.Now(),
	}

	secrets, err := s.GetMachineSecrets(ctx, cfg.Identity.ComputerName)
	if errors.Is(err, stores.ErrSecretsNotFound) {
		secrets, err = sup.seedSecrets(ctx)
	}
	if err != nil {
		return nil, err
	}
	sup.secrets = secrets

	// The loopback controller plays the directory side of the channel.
	server := netlogon.NewLocalServer(secrets.Domain, secrets.Realm)
	server.AddMachineAccount(secrets.AccountName(), secrets.ComputerName, utils.EncodeStringToBytes(secrets.Password), secrets.SecureChannelType)

	accounts, err := s.GetAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, acc := range accounts {
		server.AddUserAccount(acc.Username, acc.FullName, acc.Password)
	}
	sup.server = server

	creds := credentials.New()
	creds.SetUsername(secrets.AccountName())
	creds.SetDomain(secrets.Domain)
	creds.SetRealm(secrets.Realm)
	creds.SetWorkstation(secrets.ComputerName)
	creds.SetPassword(secrets.Password)
	creds.SetOldPassword(secrets.PreviousPassword)
	creds.SetSecureChannelType(secrets.SecureChannelType)
	creds.SetRequireAES(cfg.RequireAES)
	sup.creds = creds

	return sup, nil
}

// seedSecrets puts a first machine account on file. A production member
// gets its secrets from a domain join; the loopback deployment seeds its
// own from the configured identity.
func (sup *supervisor) seedSecrets(ctx context.Context) (stores.MachineSecrets, error) {
	password, err := randomPassword()
	if err != nil {
		return stores.MachineSecrets{}, err
	}

	var domainGUID uuid.UUID
	if sup.cfg.Identity.DomainGUID != "" {
		domainGUID, err = uuid.Parse(sup.cfg.Identity.DomainGUID)
		if err != nil {
			return stores.MachineSecrets{}, err
		}
	} else {
		domainGUID = uuid.New()
	}

	ms := stores.MachineSecrets{
		Domain:            sup.cfg.Identity.Domain,
		Realm:             sup.cfg.Identity.Realm,
		ComputerName:      sup.cfg.Identity.ComputerName,
		DomainGUID:        domainGUID,
		Password:          password,
		SecureChannelType: netlogon.SEC_CHAN_WKSTA,
		LastChangedAt:     time.Now(),
	}
	if err := sup.store.PutMachineSecrets(ctx, ms); err != nil {
		return stores.MachineSecrets{}, err
	}
	log.Printf("Seeded machine account %s in domain %s\n", ms.AccountName(), ms.Domain)
	return ms, nil
}

// connect establishes (or re-establishes) the secure channel.
func (sup *supervisor) connect(ctx context.Context) error {
	sup.mu.Lock()
	defer sup.mu.Unlock()

	ch, err := sup.creds.ConnectNetlogon(ctx, sup.server, netlogon.DefaultNegotiateFlags)
	if err != nil {
		return err
	}
	log.Printf("Secure channel established, negotiated flags %#x\n", ch.NegotiateFlags())
	return nil
}

// maintenance re-establishes a torn channel and rotates the machine
// password when it is due.
func (sup *supervisor) maintenance(ctx context.Context) {
	sup.mu.Lock()
	state := sup.creds.Netlogon().State()
	sup.mu.Unlock()

	if state != netlogon.ChannelEstablished && state != netlogon.ChannelSealed {
		log.Println("Secure channel is down, re-establishing...")
		if err := sup.connect(ctx); err != nil {
			log.Println("Couldn't re-establish the secure channel:", err)
			return
		}
	}

	if sup.rotationDue() {
		if err := sup.rotatePassword(ctx); err != nil {
			log.Println("Couldn't rotate the machine password:", err)
		}
	}
}

func (sup *supervisor) rotationDue() bool {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if sup.cfg.RotationDays <= 0 {
		return false
	}
	return time.Since(sup.secrets.LastChangedAt) >= time.Duration(sup.cfg.RotationDays)*24*time.Hour
}

// rotatePassword sets a fresh machine password over the channel, persists
// it, and keeps the previous one for fallback.
func (sup *supervisor) rotatePassword(ctx context.Context) error {
	sup.mu.Lock()
	defer sup.mu.Unlock()

	ch := sup.creds.Netlogon()
	if ch == nil {
		return netlogon.ErrChannelNotEstablished
	}

	password, err := randomPassword()
	if err != nil {
		return err
	}
	if err := ch.SetPassword(ctx, password); err != nil {
		return err
	}
	sup.creds.SetPassword(password)

	sup.secrets.PreviousPassword = sup.secrets.Password
	sup.secrets.Password = password
	sup.secrets.LastChangedAt = time.Now()
	if err := sup.store.PutMachineSecrets(ctx, sup.secrets); err != nil {
		return err
	}

	log.Println("Machine password rotated")
	return nil
}

// close tears the channel down.
func (sup *supervisor) close() {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if ch := sup.creds.Netlogon(); ch != nil {
		ch.Close()
	}
}

// Status implements api.Daemon.
func (sup *supervisor) Status() api.DaemonStatus {
	sup.mu.Lock()
	defer sup.mu.Unlock()

	ch := sup.creds.Netlogon()
	status := api.DaemonStatus{
		Version:           version,
		InstanceID:        sup.instanceID.String(),
		Uptime:            time.Since(sup.start).Round(time.Second).String(),
		ChannelState:      ch.State().String(),
		NegotiateFlags:    ch.NegotiateFlags(),
		Sequence:          ch.Sequence(),
		PasswordChangedAt: sup.secrets.LastChangedAt,
	}
	if sup.cfg.RotationDays > 0 {
		status.NextRotationAt = sup.secrets.LastChangedAt.Add(time.Duration(sup.cfg.RotationDays) * 24 * time.Hour)
	}
	return status
}

// Account implements api.Daemon.
func (sup *supervisor) Account() (api.AccountInfo, error) {
	sup.mu.Lock()
	defer sup.mu.Unlock()

	info := api.AccountInfo{
		Domain:            sup.secrets.Domain,
		Realm:             sup.secrets.Realm,
		ComputerName:      sup.secrets.ComputerName,
		AccountName:       sup.secrets.AccountName(),
		DomainGUID:        sup.secrets.DomainGUID.String(),
		SecureChannelType: sup.secrets.SecureChannelType,
		LastChangedAt:     sup.secrets.LastChangedAt,
	}
	if ch := sup.creds.Netlogon(); ch != nil && ch.State() != netlogon.ChannelClosed {
		info.RID = ch.RID()
	}
	return info, nil
}

// RotatePassword implements api.Daemon.
func (sup *supervisor) RotatePassword() error {
	return sup.rotatePassword(context.Background())
}

// randomPassword returns a fresh 32-character machine password.
func randomPassword() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
