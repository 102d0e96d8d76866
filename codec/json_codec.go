package codec

import (
	"strconv"
	"time"

	"eureka-client/instance"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultDataCenterClass = "com.netflix.appinfo.InstanceInfo$DefaultDataCenterInfo"

// classKey is the Java type marker registries inject into metadata maps.
const classKey = "@class"

// JSONCodec speaks the Eureka REST JSON dialect.
//
// Encoding goes through json-iterator with the wire structs below. Decoding walks the
// document with gjson so that the quirks of real registries are absorbed per field:
// single objects where arrays are expected, ports and flags as strings or numbers,
// "@class" entries inside metadata.
type JSONCodec struct{}

type wirePort struct {
	Port    int    `json:"$"`
	Enabled string `json:"@enabled"`
}

type wireDataCenter struct {
	Class string `json:"@class"`
	Name  string `json:"name"`
}

type wireLease struct {
	RenewalIntervalInSecs int   `json:"renewalIntervalInSecs"`
	DurationInSecs        int   `json:"durationInSecs"`
	LastRenewalTimestamp  int64 `json:"lastRenewalTimestamp"`
}

type wireInstance struct {
	InstanceID       string            `json:"instanceId"`
	HostName         string            `json:"hostName"`
	App              string            `json:"app"`
	IPAddr           string            `json:"ipAddr"`
	Status           string            `json:"status"`
	Port             wirePort          `json:"port"`
	SecurePort       wirePort          `json:"securePort"`
	VIPAddress       string            `json:"vipAddress,omitempty"`
	SecureVIPAddress string            `json:"secureVipAddress,omitempty"`
	HomePageURL      string            `json:"homePageUrl,omitempty"`
	StatusPageURL    string            `json:"statusPageUrl,omitempty"`
	HealthCheckURL   string            `json:"healthCheckUrl,omitempty"`
	DataCenterInfo   wireDataCenter    `json:"dataCenterInfo"`
	LeaseInfo        wireLease         `json:"leaseInfo"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ActionType       string            `json:"actionType,omitempty"`
}

type wireApplication struct {
	Name     string         `json:"name"`
	Instance []wireInstance `json:"instance"`
}

type wireApplications struct {
	VersionsDelta string            `json:"versions__delta"`
	AppsHashcode  string            `json:"apps__hashcode"`
	Application   []wireApplication `json:"application"`
}

type wireApplicationsEnvelope struct {
	Applications wireApplications `json:"applications"`
}

type wireInstanceEnvelope struct {
	Instance wireInstance `json:"instance"`
}

func (c *JSONCodec) ContentType() string {
	return "application/json"
}

func (c *JSONCodec) EncodeInstance(rec *instance.Record) ([]byte, error) {
	return json.Marshal(wireInstanceEnvelope{Instance: toWire(rec)})
}

func (c *JSONCodec) DecodeInstance(data []byte) (*instance.Record, error) {
	if !gjson.ValidBytes(data) {
		return nil, &DecodeError{Reason: "payload is not valid JSON"}
	}
	root := gjson.ParseBytes(data)
	if inst := root.Get("instance"); inst.Exists() {
		root = inst
	}
	rec, err := decodeRecord(root, "")
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *JSONCodec) EncodeApplications(s *instance.Snapshot) ([]byte, error) {
	hash := s.HashCode
	if hash == "" {
		hash = s.ComputeHashCode()
	}
	apps := wireApplications{
		VersionsDelta: s.Version,
		AppsHashcode:  hash,
		Application:   []wireApplication{},
	}
	for _, name := range s.Services() {
		recs := s.Instances(name)
		app := wireApplication{Name: name, Instance: make([]wireInstance, 0, len(recs))}
		for i := range recs {
			app.Instance = append(app.Instance, toWire(&recs[i]))
		}
		apps.Application = append(apps.Application, app)
	}
	return json.Marshal(wireApplicationsEnvelope{Applications: apps})
}

func (c *JSONCodec) DecodeApplications(data []byte) (*instance.Snapshot, []error, error) {
	apps, err := applicationsRoot(data)
	if err != nil {
		return nil, nil, err
	}
	var (
		records  []instance.Record
		rejected []error
	)
	eachApplicationInstance(apps, func(inst gjson.Result, appName string) {
		rec, err := decodeRecord(inst, appName)
		if err != nil {
			rejected = append(rejected, err)
			return
		}
		records = append(records, rec)
	})
	snap := instance.NewSnapshot(records,
		apps.Get("versions__delta").String(),
		apps.Get("apps__hashcode").String(),
		time.Time{})
	return snap, rejected, nil
}

func (c *JSONCodec) EncodeDelta(d *instance.Delta) ([]byte, error) {
	apps := wireApplications{
		VersionsDelta: d.Version,
		AppsHashcode:  d.HashCode,
		Application:   []wireApplication{},
	}
	index := make(map[string]int)
	for _, ch := range d.Changes {
		w := toWire(&ch.Record)
		w.ActionType = ch.Action.String()
		i, ok := index[w.App]
		if !ok {
			i = len(apps.Application)
			index[w.App] = i
			apps.Application = append(apps.Application, wireApplication{Name: w.App})
		}
		apps.Application[i].Instance = append(apps.Application[i].Instance, w)
	}
	return json.Marshal(wireApplicationsEnvelope{Applications: apps})
}

func (c *JSONCodec) DecodeDelta(data []byte) (*instance.Delta, []error, error) {
	apps, err := applicationsRoot(data)
	if err != nil {
		return nil, nil, err
	}
	delta := &instance.Delta{
		Version:  apps.Get("versions__delta").String(),
		HashCode: apps.Get("apps__hashcode").String(),
	}
	var rejected []error
	eachApplicationInstance(apps, func(inst gjson.Result, appName string) {
		rec, err := decodeRecord(inst, appName)
		if err != nil {
			rejected = append(rejected, err)
			return
		}
		delta.Changes = append(delta.Changes, instance.Change{
			Action: instance.ParseAction(inst.Get("actionType").String()),
			Record: rec,
		})
	})
	return delta, rejected, nil
}

func applicationsRoot(data []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, &DecodeError{Reason: "payload is not valid JSON"}
	}
	apps := gjson.GetBytes(data, "applications")
	if !apps.IsObject() {
		return gjson.Result{}, &DecodeError{Field: "applications", Reason: "missing or not an object"}
	}
	return apps, nil
}

// eachApplicationInstance visits every instance, whether "application" and "instance"
// are arrays or single objects.
func eachApplicationInstance(apps gjson.Result, fn func(inst gjson.Result, appName string)) {
	eachItem(apps.Get("application"), func(app gjson.Result) {
		name := app.Get("name").String()
		eachItem(app.Get("instance"), func(inst gjson.Result) {
			fn(inst, name)
		})
	})
}

func eachItem(r gjson.Result, fn func(gjson.Result)) {
	switch {
	case r.IsArray():
		r.ForEach(func(_, v gjson.Result) bool {
			fn(v)
			return true
		})
	case r.Exists():
		fn(r)
	}
}

// field looks a key up without gjson path syntax, which gives '@' a special meaning.
func field(obj gjson.Result, key string) gjson.Result {
	var out gjson.Result
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.String() == key {
			out = v
			return false
		}
		return true
	})
	return out
}

// portValue accepts {"$": 8080, "@enabled": "true"} as well as a bare number or string.
func portValue(r gjson.Result) (port int, enabled bool) {
	if !r.Exists() {
		return 0, false
	}
	if !r.IsObject() {
		return int(r.Int()), true
	}
	en := field(r, "@enabled")
	return int(field(r, "$").Int()), !en.Exists() || en.Bool()
}

func decodeRecord(r gjson.Result, appName string) (instance.Record, error) {
	if !r.IsObject() {
		return instance.Record{}, &DecodeError{Field: "instance", Reason: "not an object"}
	}

	host := r.Get("hostName").String()
	id := r.Get("instanceId").String()
	if id == "" {
		id = host
	}
	if id == "" {
		return instance.Record{}, &DecodeError{Field: "instanceId", Reason: "missing"}
	}
	app := r.Get("app").String()
	if app == "" {
		app = appName
	}
	if app == "" {
		return instance.Record{}, &DecodeError{InstanceID: id, Field: "app", Reason: "missing"}
	}
	ip := r.Get("ipAddr").String()
	if ip == "" {
		return instance.Record{}, &DecodeError{InstanceID: id, Field: "ipAddr", Reason: "missing"}
	}

	rec := instance.Record{
		ServiceName:      instance.NormalizeService(app),
		InstanceID:       id,
		HostName:         host,
		IPAddress:        ip,
		Status:           instance.ParseStatus(r.Get("status").String()),
		VIPAddress:       r.Get("vipAddress").String(),
		SecureVIPAddress: r.Get("secureVipAddress").String(),
		HomePageURL:      r.Get("homePageUrl").String(),
		StatusPageURL:    r.Get("statusPageUrl").String(),
		HealthCheckURL:   r.Get("healthCheckUrl").String(),
	}

	port, portOn := portValue(r.Get("port"))
	securePort, secureOn := portValue(r.Get("securePort"))
	switch {
	case portOn:
		rec.Port = port
	case secureOn:
		rec.Port, rec.Secure = securePort, true
	default:
		rec.Port = port
	}
	if rec.Port < 0 || rec.Port > 65535 {
		return instance.Record{}, &DecodeError{InstanceID: id, Field: "port", Reason: "out of range: " + strconv.Itoa(rec.Port)}
	}

	rec.DataCenter = instance.NormalizeDataCenter(r.Get("dataCenterInfo.name").String())

	lease := r.Get("leaseInfo")
	rec.LeaseRenewalInterval = int(lease.Get("renewalIntervalInSecs").Int())
	rec.LeaseDuration = int(lease.Get("durationInSecs").Int())
	if ms := lease.Get("lastRenewalTimestamp").Int(); ms > 0 {
		rec.LastHeartbeat = time.UnixMilli(ms)
	}

	r.Get("metadata").ForEach(func(k, v gjson.Result) bool {
		if k.String() == classKey {
			return true
		}
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string)
		}
		rec.Metadata[k.String()] = v.String()
		return true
	})
	return rec, nil
}

func toWire(rec *instance.Record) wireInstance {
	w := wireInstance{
		InstanceID:       rec.InstanceID,
		HostName:         rec.HostName,
		App:              instance.NormalizeService(rec.ServiceName),
		IPAddr:           rec.IPAddress,
		Status:           rec.Status.String(),
		Port:             wirePort{Port: rec.Port, Enabled: "true"},
		SecurePort:       wirePort{Port: 443, Enabled: "false"},
		VIPAddress:       rec.VIPAddress,
		SecureVIPAddress: rec.SecureVIPAddress,
		HomePageURL:      rec.HomePageURL,
		StatusPageURL:    rec.StatusPageURL,
		HealthCheckURL:   rec.HealthCheckURL,
		DataCenterInfo:   wireDataCenter{Class: defaultDataCenterClass, Name: instance.NormalizeDataCenter(rec.DataCenter)},
		LeaseInfo: wireLease{
			RenewalIntervalInSecs: rec.LeaseRenewalInterval,
			DurationInSecs:        rec.LeaseDuration,
		},
	}
	if rec.Secure {
		w.Port = wirePort{Port: 80, Enabled: "false"}
		w.SecurePort = wirePort{Port: rec.Port, Enabled: "true"}
	}
	if !rec.LastHeartbeat.IsZero() {
		w.LeaseInfo.LastRenewalTimestamp = rec.LastHeartbeat.UnixMilli()
	}
	if len(rec.Metadata) > 0 {
		w.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			if k != classKey {
				w.Metadata[k] = v
			}
		}
	}
	return w
}
