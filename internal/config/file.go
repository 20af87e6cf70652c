package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads FromEnv and layers the config file at path over it. Keys in the
// file use the nested form, e.g. fhir.base_url or subscriptions.max_retries.
// An empty path returns the env configuration unchanged.
func Load(path string) (Config, error) {
	cfg := FromEnv()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	apply(v, &cfg)
	return cfg, nil
}

func apply(v *viper.Viper, cfg *Config) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	str("app_name", &cfg.AppName)
	str("http_port", &cfg.HTTPPort)

	str("fhir.base_url", &cfg.FHIR.BaseURL)
	str("fhir.websocket_url", &cfg.FHIR.WebsocketURL)
	str("fhir.bearer_token", &cfg.FHIR.BearerToken)

	if v.IsSet("subscriptions.search_params") {
		// accepts a list or a single ';'-separated string
		if list := v.GetStringSlice("subscriptions.search_params"); len(list) > 1 {
			cfg.Subscriptions.SearchParams = parseSearchParams(strings.Join(list, ";"))
		} else {
			cfg.Subscriptions.SearchParams = parseSearchParams(v.GetString("subscriptions.search_params"))
		}
	}
	num("subscriptions.max_retries", &cfg.Subscriptions.MaxRetries)
	if v.IsSet("subscriptions.retry_delay") {
		cfg.Subscriptions.RetryDelay = v.GetDuration("subscriptions.retry_delay")
	}
	if v.IsSet("subscriptions.reconnect_delay") {
		cfg.Subscriptions.ReconnectDelay = v.GetDuration("subscriptions.reconnect_delay")
	}

	num("dispatch.pool_size", &cfg.Dispatch.PoolSize)
	if v.IsSet("dispatch.idle_timeout") {
		cfg.Dispatch.IdleTimeout = v.GetDuration("dispatch.idle_timeout")
	}

	str("bookmark.backend", &cfg.Bookmark.Backend)
	str("bookmark.dir", &cfg.Bookmark.Dir)

	str("db.user", &cfg.DB.User)
	str("db.pass", &cfg.DB.Pass)
	str("db.host", &cfg.DB.Host)
	str("db.port", &cfg.DB.Port)
	str("db.name", &cfg.DB.Name)

	str("redis.addr", &cfg.Redis.Addr)
	str("redis.password", &cfg.Redis.Password)
	num("redis.db", &cfg.Redis.DB)

	str("workflow.engine_url", &cfg.Workflow.EngineURL)

	str("nsq.nsqd_tcp_addr", &cfg.NSQ.NsqdTCPAddr)
	str("nsq.nsqd_http_addr", &cfg.NSQ.NsqdHTTPAddr)
	str("nsq.dlq_topic", &cfg.NSQ.DLQTopic)
	if v.IsSet("nsq.publish_dlq") {
		cfg.NSQ.PublishDLQ = v.GetBool("nsq.publish_dlq")
	}
}
