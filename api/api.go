package api

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

// DaemonStatus is the response type of GET /daemon/status.
type DaemonStatus struct {
	Version           string    `json:"version"`
	InstanceID        string    `json:"instanceId"`
	Uptime            string    `json:"uptime"`
	ChannelState      string    `json:"channelState"`
	NegotiateFlags    uint32    `json:"negotiateFlags"`
	Sequence          uint32    `json:"sequence"`
	PasswordChangedAt time.Time `json:"passwordChangedAt"`
	NextRotationAt    time.Time `json:"nextRotationAt"`
}

// AccountInfo is the response type of GET /daemon/account.
type AccountInfo struct {
	Domain            string    `json:"domain"`
	Realm             string    `json:"realm"`
	ComputerName      string    `json:"computerName"`
	AccountName       string    `json:"accountName"`
	DomainGUID        string    `json:"domainGuid"`
	RID               uint32    `json:"rid"`
	SecureChannelType int       `json:"secureChannelType"`
	LastChangedAt     time.Time `json:"lastChangedAt"`
}

// Daemon is the control surface the API exposes. Responses never carry
// key material: the machine password and the channel session key stay
// with the daemon.
type Daemon interface {
	Status() DaemonStatus
	Account() (AccountInfo, error)
	RotatePassword() error
}

// API represents the API call handler.
type API struct {
	router   httprouter.Router
	daemon   Daemon
	stopChan chan struct{}
	rl       *ratelimiter
}

// NewAPI returns an initialized API object.
func NewAPI(d Daemon) *API {
	stopChan := make(chan struct{})
	api := &API{
		daemon:   d,
		stopChan: stopChan,
		rl:       newRatelimiter(stopChan),
	}
	api.buildHTTPRoutes()
	return api
}

// Close shuts down the handler.
func (api *API) Close() {
	close(api.stopChan)
}

func (api *API) buildHTTPRoutes() {
	router := httprouter.New()
	router.GET("/daemon/status", api.daemonStatusHandler)
	router.GET("/daemon/account", api.daemonAccountHandler)
	router.POST("/daemon/rotate", api.daemonRotateHandler)
	api.router = *router
}

func (api *API) daemonStatusHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, api.daemon.Status())
}

func (api *API) daemonAccountHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	acc, err := api.daemon.Account()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, acc)
}

func (api *API) daemonRotateHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if err := api.daemon.RotatePassword(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BasicAuth wraps an http.Handler to force a basic auth with a password.
func BasicAuth(password string) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if _, p, ok := req.BasicAuth(); !ok || p != password {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			h.ServeHTTP(w, req)
		})
	}
}

// ServeHTTP implements http.HandlerFunc.
func (api *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if api.rl.limitExceeded(host) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	api.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, obj any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	if err := enc.Encode(obj); err != nil {
		log.Println("Error encoding JSON response:", err)
	}
}
