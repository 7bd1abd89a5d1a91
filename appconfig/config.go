package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/chsahit/metric-sam3d/platform"
)

// Tool locates one external model subsystem: its checkout, the Python
// interpreter of its conda environment, and the entry script this
// orchestrator invokes. Environments are entered by running their
// interpreter directly rather than through shell activation.
type Tool struct {
	Root   string `json:"root"`
	Python string `json:"python"`
	Script string `json:"script"`
}

// Config holds service configuration including database path, external
// tool locations, pipeline defaults, and API settings.
type Config struct {
	DBPath string `json:"dbPath"`

	// Directory where API-submitted runs are unpacked and processed
	RunsPath string `json:"runsPath"`

	MeshGenerator  Tool `json:"meshGenerator"`
	ScaleEstimator Tool `json:"scaleEstimator"`
	PoseRegistrar  Tool `json:"poseRegistrar"`
	Segmenter      Tool `json:"segmenter"`

	// Prepended to LD_LIBRARY_PATH for every stage so the pose
	// environment's shared libraries stay visible across stages
	PoseLibPath string `json:"poseLibPath"`

	// Scale estimator model and camera names, passed through verbatim
	ScaleModel  string `json:"scaleModel"`
	ScaleCamera string `json:"scaleCamera"`

	DefaultDevice  int `json:"defaultDevice"`
	EstRefineIter  int `json:"estRefineIter"`
	TimeoutMinutes int `json:"timeoutMinutes"`

	// Optional S3 export of result archives
	S3Bucket string `json:"s3Bucket"`
	S3Prefix string `json:"s3Prefix"`

	// JWT Secret for authentication
	JWTSecret string `json:"jwtSecret"`

	// Bcrypt hash of the API password. Auth is enforced only when set.
	APIPasswordHash string `json:"apiPasswordHash"`
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// DefaultDBPath returns the default job database path.
// Uses the platform-specific data directory.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "jobs.db")
}

// DefaultConfigDir returns the default config directory path.
// Uses the platform-specific data directory.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func defaultTool(env, repo, script string) Tool {
	home := homeDir()
	root := filepath.Join(home, "external", repo)
	return Tool{
		Root:   root,
		Python: filepath.Join(home, "miniconda3", "envs", env, "bin", "python"),
		Script: filepath.Join(root, script),
	}
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DBPath:         DefaultDBPath(),
		RunsPath:       filepath.Join(platform.GetDataDir(), "runs"),
		MeshGenerator:  defaultTool("sam3d", "sam-3d-objects", "generate_meshes.py"),
		ScaleEstimator: defaultTool("scenecomplete", "scenecomplete", "run_scale_estimation.py"),
		PoseRegistrar:  defaultTool("foundationpose", "FoundationPose", "run_registration.py"),
		Segmenter:      defaultTool("scenecomplete", "scenecomplete", "run_segmentation.py"),
		PoseLibPath:    filepath.Join(homeDir(), "miniconda3", "envs", "foundationpose", "lib"),
		ScaleModel:     "dinov2",
		ScaleCamera:    "realsense",
		DefaultDevice:  0,
		EstRefineIter:  5,
		TimeoutMinutes: 30,
		JWTSecret:      uuid.New().String(),
	}
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj map[string]json.RawMessage
			var srcObj map[string]json.RawMessage
			if err := json.Unmarshal(existing, &dstObj); err != nil {
				dst[k] = v
				continue
			}
			if err := json.Unmarshal(v, &srcObj); err != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// getConfigPath returns the full path to the config.json file.
func getConfigPath() (string, error) {
	configDir := DefaultConfigDir()
	return filepath.Join(configDir, "config.json"), nil
}

// Load reads the config from disk and updates the in-memory config. It returns the config and path.
// If the config file doesn't exist, it creates one with default values.
// This function safely handles missing directories and creates them as needed.
func Load() (Config, string, error) {
	path, err := getConfigPath()
	if err != nil {
		return Config{}, "", err
	}

	// Ensure config directory exists
	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return Config{}, "", fmt.Errorf("failed to create config directory %s: %v", configDir, err)
	}

	// Check if config file exists
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file doesn't exist - create it with defaults
			def := DefaultConfig()

			// Ensure the database directory exists
			dbDir := filepath.Dir(def.DBPath)
			if err := os.MkdirAll(dbDir, 0755); err != nil {
				return Config{}, "", fmt.Errorf("failed to create database directory %s: %v", dbDir, err)
			}

			// Save the default config
			savedPath, saveErr := Save(def)
			if saveErr != nil {
				return Config{}, path, fmt.Errorf("failed to create default config file: %v", saveErr)
			}
			Set(def)
			return def, savedPath, nil
		}
		return Config{}, path, fmt.Errorf("failed to read config file at %s: %v", path, err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, path, fmt.Errorf("failed to parse config JSON: %v", err)
	}

	// Merge defaults for any missing fields
	def := DefaultConfig()
	needsSave := false

	if c.DBPath == "" {
		c.DBPath = def.DBPath
		needsSave = true
	}
	if c.RunsPath == "" {
		c.RunsPath = def.RunsPath
	}
	mergeTool(&c.MeshGenerator, def.MeshGenerator)
	mergeTool(&c.ScaleEstimator, def.ScaleEstimator)
	mergeTool(&c.PoseRegistrar, def.PoseRegistrar)
	mergeTool(&c.Segmenter, def.Segmenter)
	if c.PoseLibPath == "" {
		c.PoseLibPath = def.PoseLibPath
	}
	if c.ScaleModel == "" {
		c.ScaleModel = def.ScaleModel
	}
	if c.ScaleCamera == "" {
		c.ScaleCamera = def.ScaleCamera
	}
	if c.EstRefineIter == 0 {
		c.EstRefineIter = def.EstRefineIter
	}
	if c.TimeoutMinutes == 0 {
		c.TimeoutMinutes = def.TimeoutMinutes
	}
	if c.JWTSecret == "" {
		c.JWTSecret = uuid.New().String()
		needsSave = true
	}

	// Ensure the database and runs directories exist
	dbDir := filepath.Dir(c.DBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return Config{}, path, fmt.Errorf("failed to create database directory %s: %v", dbDir, err)
	}
	if err := os.MkdirAll(c.RunsPath, 0755); err != nil {
		return Config{}, path, fmt.Errorf("failed to create runs directory %s: %v", c.RunsPath, err)
	}

	// Save config if we had to fill in critical missing fields
	if needsSave {
		if _, saveErr := Save(c); saveErr != nil {
			// Log but don't fail - we can continue with the in-memory config
			fmt.Printf("Warning: failed to save updated config: %v\n", saveErr)
		}
	}

	Set(c)
	return c, path, nil
}

func mergeTool(t *Tool, def Tool) {
	if t.Root == "" {
		t.Root = def.Root
	}
	if t.Python == "" {
		t.Python = def.Python
	}
	if t.Script == "" {
		t.Script = def.Script
	}
}

// Save writes the config to disk, creating the directory as needed. Returns the path.
func Save(c Config) (string, error) {
	path, err := getConfigPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %v", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return path, fmt.Errorf("failed to marshal config: %v", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return path, fmt.Errorf("failed to map config JSON: %v", err)
	}

	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return path, fmt.Errorf("failed to marshal merged config: %v", err)
	}
	if err := os.WriteFile(path, mergedData, 0644); err != nil {
		return path, fmt.Errorf("failed to write config file: %v", err)
	}
	Set(c)
	return path, nil
}
