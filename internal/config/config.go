package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port               string
	Env                string
	LogLevel           string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
	HTTPTimeout        time.Duration

	// Health-record (SMART on FHIR) API
	FHIRBaseURL      string
	FHIRTokenURL     string
	FHIRClientID     string
	FHIRClientSecret string
	FHIRRedirectURI  string

	// Scribe session backend
	ScribeBaseURL string

	// Appointment search ($find) endpoint and fixed wire codings
	AppointmentFindURL       string
	PatientIDSystem          string
	MRNSystem                string
	ServiceTypeSystem        string
	ServiceTypeCode          string
	ServiceTypeDisplay       string
	IndicationSystem         string
	IndicationCode           string
	IndicationDisplay        string
	IndicationText           string
	DefaultLocationReference string
	EndTimeRollover          string

	// Selection policy
	ReselectClearsPatient bool

	// Credential persistence
	CredentialBackend   string
	CredentialNamespace string
	CredentialFile      string
	RedisAddr           string
	RedisPassword       string
	RedisTLS            bool
	DatabaseURL         string
	AuditEnabled        bool

	// Operator endpoints (/admin/*); empty disables them
	OperatorJWTSecret string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 20),
		HTTPTimeout:        getEnvAsDuration("HTTP_TIMEOUT", 30*time.Second),

		FHIRBaseURL:      getEnv("FHIR_BASE_URL", ""),
		FHIRTokenURL:     getEnv("FHIR_TOKEN_URL", ""),
		FHIRClientID:     getEnv("FHIR_CLIENT_ID", ""),
		FHIRClientSecret: getEnv("FHIR_CLIENT_SECRET", ""),
		FHIRRedirectURI:  getEnv("FHIR_REDIRECT_URI", "http://localhost:8080/auth/callback"),

		ScribeBaseURL: getEnv("SCRIBE_BASE_URL", ""),

		AppointmentFindURL:       getEnv("APPOINTMENT_FIND_URL", ""),
		PatientIDSystem:          getEnv("PATIENT_ID_SYSTEM", "urn:oid:1.2.840.114350.1.13.0.1.7.5.737384.0"),
		MRNSystem:                getEnv("MRN_SYSTEM", "urn:oid:1.2.840.114350.1.13.0.1.7.5.737384.14"),
		ServiceTypeSystem:        getEnv("SERVICE_TYPE_SYSTEM", "urn:oid:1.2.840.114350.1.13.861.1.7.3.808267.11"),
		ServiceTypeCode:          getEnv("SERVICE_TYPE_CODE", "40111223"),
		ServiceTypeDisplay:       getEnv("SERVICE_TYPE_DISPLAY", "Office Visit"),
		IndicationSystem:         getEnv("INDICATION_SYSTEM", "urn:oid:2.16.840.1.113883.6.96"),
		IndicationCode:           getEnv("INDICATION_CODE", "46866001"),
		IndicationDisplay:        getEnv("INDICATION_DISPLAY", "Fracture of lower limb (disorder)"),
		IndicationText:           getEnv("INDICATION_TEXT", "Fracture of lower limb"),
		DefaultLocationReference: getEnv("DEFAULT_LOCATION_REFERENCE", ""),
		EndTimeRollover:          strings.ToLower(strings.TrimSpace(getEnv("END_TIME_ROLLOVER", "advance"))),

		ReselectClearsPatient: getEnvAsBool("RESELECT_CLEARS_PATIENT", false),

		CredentialBackend:   strings.ToLower(strings.TrimSpace(getEnv("CREDENTIAL_BACKEND", "memory"))),
		CredentialNamespace: getEnv("CREDENTIAL_NAMESPACE", "clinic-scribe"),
		CredentialFile:      getEnv("CREDENTIAL_FILE", ".credential.env"),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisTLS:            getEnvAsBool("REDIS_TLS", false),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		AuditEnabled:        getEnvAsBool("AUDIT_ENABLED", false),

		OperatorJWTSecret: getEnv("OPERATOR_JWT_SECRET", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping blank items.
func getEnvAsList(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
