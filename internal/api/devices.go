package api

import (
	"net/http"
	"time"

	"github.com/psremote/psremote/internal/devices"
	"github.com/psremote/psremote/internal/media"
	"github.com/psremote/psremote/pkg/control"
	"github.com/psremote/psremote/pkg/device"
)

type deviceInfo struct {
	Name    string        `json:"name"`
	Record  device.Record `json:"record"`
	Paired  bool          `json:"paired"`
	Session string        `json:"session"`
}

// GET  /api/devices            - registry snapshot
// GET  /api/devices?scan=3s    - broadcast scan first, then snapshot
// POST /api/devices?src=Bedroom&action=wakeup|launch|connect|standby|start|remote|forget
func devicesHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	switch r.Method {
	case "GET":
		if s := query.Get("scan"); s != "" {
			timeout, err := time.ParseDuration(s)
			if err != nil {
				badRequest(w, "bad scan timeout: %s", s)
				return
			}
			if _, err = devices.Scan(timeout); err != nil {
				Error(w, err)
				return
			}
		}

		var infos []deviceInfo
		for name, d := range devices.All() {
			infos = append(infos, deviceInfo{
				Name:    name,
				Record:  d.Record,
				Paired:  d.Credential.Data != "",
				Session: d.SessionState().String(),
			})
		}
		ResponseJSON(w, infos)

	case "POST":
		d := devices.Get(query.Get("src"))
		if d == nil {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}

		var err error
		switch action := query.Get("action"); action {
		case "wakeup":
			err = d.Wakeup()
		case "launch":
			err = d.Launch()
		case "connect":
			err = d.Connect(query.Get("pin"))
		case "standby":
			err = d.Standby()
		case "start":
			err = d.StartTitle(query.Get("title"))
		case "remote":
			var key control.Key
			if key, err = control.ParseKey(query.Get("key")); err != nil {
				badRequest(w, "%s", err)
				return
			}
			var hold time.Duration
			if s := query.Get("hold"); s != "" {
				if hold, err = time.ParseDuration(s); err != nil {
					badRequest(w, "bad hold duration: %s", s)
					return
				}
			}
			err = d.RemoteControl(key, hold)
		case "forget":
			err = devices.Forget(query.Get("src"))
		default:
			badRequest(w, "unknown action: %s", action)
			return
		}

		if err != nil {
			Error(w, err)
			return
		}
		ResponseJSON(w, "OK")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// GET /api/media?title=CUSA10000&region=United%20States
func mediaHandler(w http.ResponseWriter, r *http.Request) {
	titleID := r.URL.Query().Get("title")
	if titleID == "" {
		badRequest(w, "title required")
		return
	}

	region := r.URL.Query().Get("region")
	if region == "" {
		region = "United States"
	}

	title, err := media.New().Lookup(titleID, region)
	if err != nil {
		Error(w, err)
		return
	}
	ResponseJSON(w, title)
}
