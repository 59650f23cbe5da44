package daemon

// Config describes the local file layout of the daemon. DeviceConfig
// points at a user-driven file that supports live reloading, DataDir
// holds the device registry database.
type Config struct {
	DataDir      string `json:"dataDir"`
	DeviceConfig string `json:"deviceConfig"`
}
