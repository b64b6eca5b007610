package cfg

type Cfg struct {
	// Storage configuration
	DataDir string

	// Feed configuration
	FeedsDir           string
	SettingsDir        string
	BaseUrl            string
	PluginName         string
	RegenerateInterval int

	// Application configuration
	Port              string
	WorkerCount       int
	RetryBaseDelaySec int
	APIAccessKey      string

	// Catalog integration
	CatalogID         string
	IntegrationID     string
	CatalogAPIURL     string
	CatalogAPIToken   string
	CatalogAPIRate    float64
	LanguageCacheTTL  int
	RedisAddr         string
	NATSURL           string
	NATSSubjectPrefix string

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}

// ProductCatalogID is the remote catalog language feeds are created in.
func (c *Cfg) ProductCatalogID() string {
	return c.CatalogID
}
