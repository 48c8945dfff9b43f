package globalmapping

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/globalmap/isam"
)

// Registration methods for between factors.
const (
	RegistrationNone = "NONE"
	RegistrationGICP = "GICP"
)

// Matching cost evaluation backends for implicit loop factors.
const (
	ErrorFactorVGICP    = "VGICP"
	ErrorFactorVGICPGPU = "VGICP_GPU"
)

// Config holds every recognized engine option under its configuration file key.
type Config struct {
	EnableGPU                   bool    `json:"enable_gpu"`
	EnableIMU                   bool    `json:"enable_imu"`
	EnableBetweenFactors        bool    `json:"enable_between_factors"`
	BetweenRegistrationType     string  `json:"between_registration_type"`
	RegistrationErrorFactorType string  `json:"registration_error_factor_type"`
	SubmapVoxelResolution       float64 `json:"submap_voxel_resolution"`
	RandomSamplingRate          float64 `json:"randomsampling_rate"`
	MaxImplicitLoopDistance     float64 `json:"max_implicit_loop_distance"`
	MinImplicitLoopOverlap      float64 `json:"min_implicit_loop_overlap"`
	UseISAM2Dogleg              bool    `json:"use_isam2_dogleg"`
	ISAM2RelinearizeSkip        int     `json:"isam2_relinearize_skip"`
	ISAM2RelinearizeThresh      float64 `json:"isam2_relinearize_thresh"`

	OptimizeIterations        int       `json:"optimize_iterations"`
	Seed                      int64     `json:"seed"`
	ReevaluateLoopsOnOptimize bool      `json:"reevaluate_loops_on_optimize"`
	BetweenFactorSigmas       []float64 `json:"between_factor_sigmas"`
	PriorSigma                float64   `json:"prior_sigma"`
	IMURotationSigma          float64   `json:"imu_rotation_sigma"`
	MatchingCostSigma         float64   `json:"matching_cost_sigma"`
}

// DefaultConfig returns the default engine options.
func DefaultConfig() Config {
	return Config{
		EnableGPU:                   false,
		EnableIMU:                   true,
		EnableBetweenFactors:        false,
		BetweenRegistrationType:     RegistrationGICP,
		RegistrationErrorFactorType: ErrorFactorVGICP,
		SubmapVoxelResolution:       1.0,
		RandomSamplingRate:          1.0,
		MaxImplicitLoopDistance:     100.0,
		MinImplicitLoopOverlap:      0.2,
		UseISAM2Dogleg:              false,
		ISAM2RelinearizeSkip:        1,
		ISAM2RelinearizeThresh:      0.1,

		OptimizeIterations:  10,
		BetweenFactorSigmas: []float64{0.1, 0.1, 0.1, 0.01, 0.01, 0.01},
		PriorSigma:          1e-3,
		IMURotationSigma:    0.05,
		MatchingCostSigma:   0.5,
	}
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	switch conf.BetweenRegistrationType {
	case RegistrationNone, RegistrationGICP:
	default:
		return goutils.NewConfigValidationError(path,
			errors.Errorf("between_registration_type %q must be one of %s, %s", conf.BetweenRegistrationType, RegistrationNone, RegistrationGICP))
	}
	switch conf.RegistrationErrorFactorType {
	case ErrorFactorVGICP:
	case ErrorFactorVGICPGPU:
		if !conf.EnableGPU {
			return goutils.NewConfigValidationError(path,
				errors.Errorf("registration_error_factor_type %s requires enable_gpu", ErrorFactorVGICPGPU))
		}
	case "":
		return goutils.NewConfigValidationFieldRequiredError(path, "registration_error_factor_type")
	default:
		return goutils.NewConfigValidationError(path,
			errors.Errorf("registration_error_factor_type %q must be one of %s, %s",
				conf.RegistrationErrorFactorType, ErrorFactorVGICP, ErrorFactorVGICPGPU))
	}
	if conf.SubmapVoxelResolution <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("submap_voxel_resolution must be positive"))
	}
	if conf.RandomSamplingRate <= 0 || conf.RandomSamplingRate > 1 {
		return goutils.NewConfigValidationError(path, errors.New("randomsampling_rate must be in (0, 1]"))
	}
	if conf.MaxImplicitLoopDistance < 0 {
		return goutils.NewConfigValidationError(path, errors.New("max_implicit_loop_distance cannot be negative"))
	}
	if conf.MinImplicitLoopOverlap < 0 || conf.MinImplicitLoopOverlap > 1 {
		return goutils.NewConfigValidationError(path, errors.New("min_implicit_loop_overlap must be in [0, 1]"))
	}
	if conf.ISAM2RelinearizeSkip < 1 {
		return goutils.NewConfigValidationError(path, errors.New("isam2_relinearize_skip must be at least 1"))
	}
	if conf.ISAM2RelinearizeThresh <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("isam2_relinearize_thresh must be positive"))
	}
	if conf.OptimizeIterations < 1 {
		return goutils.NewConfigValidationError(path, errors.New("optimize_iterations must be at least 1"))
	}
	if len(conf.BetweenFactorSigmas) != 6 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("between_factor_sigmas needs 6 values, got %d", len(conf.BetweenFactorSigmas)))
	}
	for _, s := range conf.BetweenFactorSigmas {
		if s <= 0 {
			return goutils.NewConfigValidationError(path, errors.New("between_factor_sigmas must be positive"))
		}
	}
	if conf.PriorSigma <= 0 || conf.IMURotationSigma <= 0 || conf.MatchingCostSigma <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("prior_sigma, imu_rotation_sigma and matching_cost_sigma must be positive"))
	}
	return nil
}

// SmootherParams converts the solver options.
func (conf *Config) SmootherParams() isam.Params {
	params := isam.DefaultParams()
	params.UseDogleg = conf.UseISAM2Dogleg
	params.RelinearizeSkip = conf.ISAM2RelinearizeSkip
	params.RelinearizeThreshold = conf.ISAM2RelinearizeThresh
	params.MaxIterations = conf.OptimizeIterations
	return params
}

func (conf *Config) betweenSigmas() [6]float64 {
	var sigmas [6]float64
	copy(sigmas[:], conf.BetweenFactorSigmas)
	return sigmas
}

func (conf *Config) parallelMatchingCost() bool {
	return conf.EnableGPU && conf.RegistrationErrorFactorType == ErrorFactorVGICPGPU
}

// AttributeMap is the generic form a config file is decoded into before being converted to a
// Config.
type AttributeMap map[string]interface{}

// TransformAttributeMapToStruct decodes attributes on top of the defaults. Unknown keys are an
// error.
func TransformAttributeMapToStruct(attributes AttributeMap) (Config, error) {
	conf := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &conf,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(map[string]interface{}(attributes)); err != nil {
		return Config{}, err
	}
	return conf, nil
}

// ReadConfig loads a .json or .toml config file, applies it over the defaults and validates it.
func ReadConfig(path string) (Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "cannot read config")
	}
	attributes := AttributeMap{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &attributes); err != nil {
			return Config{}, errors.Wrapf(err, "cannot parse %s", path)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &attributes); err != nil {
			return Config{}, errors.Wrapf(err, "cannot parse %s", path)
		}
	default:
		return Config{}, errors.Errorf("unsupported config extension %q", ext)
	}
	conf, err := TransformAttributeMapToStruct(attributes)
	if err != nil {
		return Config{}, errors.Wrapf(err, "cannot decode %s", path)
	}
	if err := conf.Validate("global_mapping"); err != nil {
		return Config{}, err
	}
	return conf, nil
}

// AsyncConfig tunes the AsyncMapper loop.
type AsyncConfig struct {
	// PollInterval is how long the loop sleeps when there is nothing to do.
	PollInterval time.Duration
	// OptimizeInterval is the idle time after which the loop optimizes on its own.
	OptimizeInterval time.Duration
	// SaveSettleDelay is waited after raising the saving flag before touching the engine.
	SaveSettleDelay time.Duration
	// QueueHighWaterMark logs a warning when a drained batch exceeds it. Zero disables it.
	QueueHighWaterMark int
}

// DefaultAsyncConfig returns the default loop timings.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		PollInterval:     100 * time.Millisecond,
		OptimizeInterval: 5 * time.Second,
		SaveSettleDelay:  time.Second,
	}
}
