/*
Copyright Scoir Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var envBindings = map[string]string{
	"store.url":               "RECORD_STORE_URL",
	"ledger.rpcurl":           "LEDGER_RPC_URL",
	"ledger.chainid":          "LEDGER_CHAIN_ID",
	"ledger.signersecret":     "LEDGER_SIGNER_SECRET",
	"ledger.contractaddress":  "LEDGER_CONTRACT_ADDRESS",
	"ledger.confirmations":    "LEDGER_CONFIRMATIONS",
	"blob.providers":          "BLOB_PROVIDERS",
	"encryptionkey":           "ENCRYPTION_KEY",
	"session.secret":          "SESSION_SECRET",
	"session.ttlseconds":      "SESSION_TTL_SECONDS",
	"saga.maxfilebytes":       "MAX_FILE_BYTES",
	"saga.deadlineseconds":    "SAGA_DEADLINE_SECONDS",
	"saga.workers":            "SAGA_WORKERS",
	"saga.recoveryseconds":    "RECOVERY_INTERVAL_SECONDS",
	"ratelimit.perwallet":     "RATE_LIMIT_PER_WALLET",
	"ratelimit.perip":         "RATE_LIMIT_PER_IP",
	"ratelimit.redisurl":      "RATE_LIMIT_REDIS_URL",
	"amqp.url":                "AMQP_URL",
	"api.host":                "API_HOST",
	"api.port":                "API_PORT",
	"publicurl":               "PUBLIC_URL",
	"metrics.username":        "METRICS_USERNAME",
	"metrics.password":        "METRICS_PASSWORD",
	"log.level":               "LOG_LEVEL",
	"log.format":              "LOG_FORMAT",
	"directory.issuers":       "ISSUER_WALLETS",
	"directory.admins":        "ADMIN_WALLETS",
	"ratelimit.windowseconds": "RATE_LIMIT_WINDOW_SECONDS",
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("store.url", "memory://")
	vp.SetDefault("blob.providers", "memory://primary")
	vp.SetDefault("ledger.confirmations", 1)
	vp.SetDefault("session.ttlseconds", 86400)
	vp.SetDefault("saga.maxfilebytes", 10485760)
	vp.SetDefault("saga.deadlineseconds", 120)
	vp.SetDefault("saga.workers", 8)
	vp.SetDefault("saga.recoveryseconds", 30)
	vp.SetDefault("ratelimit.perwallet", 100)
	vp.SetDefault("ratelimit.perip", 30)
	vp.SetDefault("ratelimit.windowseconds", 60)
	vp.SetDefault("api.host", "0.0.0.0")
	vp.SetDefault("api.port", 7779)
	vp.SetDefault("publicurl", "http://localhost:7779")
	vp.SetDefault("log.level", "info")
	vp.SetDefault("log.format", "text")
}

type ViperConfigProvider struct {
	DefaultConfigName string
	Flags             *pflag.FlagSet
}

// Load reads file, or the default config name from /etc/anchor and ./deploy when file is
// empty, then overlays the environment. A missing default file is not an error.
func (r *ViperConfigProvider) Load(file string) (*Config, error) {
	vp := viper.New()
	setDefaults(vp)

	if file != "" {
		vp.SetConfigFile(file)
	} else {
		name := r.DefaultConfigName
		if name == "" {
			name = "anchor-config"
		}
		vp.SetConfigType("yaml")
		vp.AddConfigPath("/etc/anchor/")
		vp.AddConfigPath("./deploy/")
		vp.SetConfigName(name)
	}

	for key, env := range envBindings {
		if err := vp.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "unable to bind %s", env)
		}
	}

	if r.Flags != nil {
		if err := vp.BindPFlags(r.Flags); err != nil {
			return nil, errors.Wrap(err, "failed to bind flags")
		}
	}

	if err := vp.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrapf(err, "failed to read config %s", vp.ConfigFileUsed())
		}
	}

	return fromViper(vp)
}

func fromViper(vp *viper.Viper) (*Config, error) {
	conf := &Config{
		API: Endpoint{
			Host: vp.GetString("api.host"),
			Port: vp.GetInt("api.port"),
		},
		Metrics: Endpoint{
			Username: vp.GetString("metrics.username"),
			Password: vp.GetString("metrics.password"),
		},
		PublicURL:     strings.TrimSuffix(vp.GetString("publicurl"), "/"),
		Store:         Store{URL: vp.GetString("store.url")},
		BlobProviders: vp.GetString("blob.providers"),
		EncryptionKey: vp.GetString("encryptionkey"),
		Ledger: Ledger{
			RPCURL:          vp.GetString("ledger.rpcurl"),
			ChainID:         vp.GetInt64("ledger.chainid"),
			SignerSecret:    vp.GetString("ledger.signersecret"),
			ContractAddress: vp.GetString("ledger.contractaddress"),
			Confirmations:   uint64(vp.GetInt64("ledger.confirmations")),
		},
		Session: Session{
			Secret: vp.GetString("session.secret"),
			TTL:    seconds(vp, "session.ttlseconds"),
		},
		Saga: Saga{
			MaxFileBytes:     vp.GetInt64("saga.maxfilebytes"),
			Deadline:         seconds(vp, "saga.deadlineseconds"),
			Workers:          vp.GetInt("saga.workers"),
			RecoveryInterval: seconds(vp, "saga.recoveryseconds"),
		},
		RateLimit: RateLimit{
			PerWallet: vp.GetInt64("ratelimit.perwallet"),
			PerIP:     vp.GetInt64("ratelimit.perip"),
			Window:    seconds(vp, "ratelimit.windowseconds"),
			RedisURL:  vp.GetString("ratelimit.redisurl"),
		},
		AMQPURL: vp.GetString("amqp.url"),
		Log: Log{
			Level:  vp.GetString("log.level"),
			Format: vp.GetString("log.format"),
		},
		Roles:    map[string]string{},
		Webhooks: map[string][]string{},
	}

	for w, role := range vp.GetStringMapString("roles") {
		conf.Roles[strings.ToLower(w)] = role
	}
	for _, w := range list(vp, "directory.issuers") {
		conf.Roles[strings.ToLower(w)] = "issuer"
	}
	for _, w := range list(vp, "directory.admins") {
		conf.Roles[strings.ToLower(w)] = "admin"
	}

	hooks := map[string][]string{}
	if err := vp.UnmarshalKey("webhooks", &hooks); err != nil {
		return nil, errors.Wrap(err, "invalid webhooks")
	}
	for event, urls := range hooks {
		conf.Webhooks[strings.ToUpper(event)] = urls
	}

	return conf, nil
}

func seconds(vp *viper.Viper, key string) time.Duration {
	return time.Duration(vp.GetInt64(key)) * time.Second
}

// list accepts a YAML sequence or a comma separated string, as environment variables give.
func list(vp *viper.Viper, key string) []string {
	var out []string
	for _, v := range vp.GetStringSlice(key) {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}

	return out
}
