package globalmapping

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Validate("global_mapping"), test.ShouldBeNil)
	test.That(t, cfg.EnableIMU, test.ShouldBeTrue)
	test.That(t, cfg.EnableBetweenFactors, test.ShouldBeFalse)
	test.That(t, cfg.BetweenRegistrationType, test.ShouldEqual, RegistrationGICP)
	test.That(t, cfg.RegistrationErrorFactorType, test.ShouldEqual, ErrorFactorVGICP)
	test.That(t, cfg.SubmapVoxelResolution, test.ShouldEqual, 1.0)
	test.That(t, cfg.MaxImplicitLoopDistance, test.ShouldEqual, 100.0)
	test.That(t, cfg.MinImplicitLoopOverlap, test.ShouldEqual, 0.2)
	test.That(t, cfg.ISAM2RelinearizeSkip, test.ShouldEqual, 1)
	test.That(t, cfg.ISAM2RelinearizeThresh, test.ShouldEqual, 0.1)
	test.That(t, cfg.ReevaluateLoopsOnOptimize, test.ShouldBeFalse)

	params := cfg.SmootherParams()
	test.That(t, params.UseDogleg, test.ShouldBeFalse)
	test.That(t, params.MaxIterations, test.ShouldEqual, cfg.OptimizeIterations)
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name     string
		mutate   func(*Config)
		expected string
	}{
		{"unknown registration", func(c *Config) { c.BetweenRegistrationType = "NDT" }, "between_registration_type"},
		{"gpu factor without gpu", func(c *Config) { c.RegistrationErrorFactorType = ErrorFactorVGICPGPU }, "enable_gpu"},
		{"missing factor type", func(c *Config) { c.RegistrationErrorFactorType = "" }, "registration_error_factor_type"},
		{"unknown factor type", func(c *Config) { c.RegistrationErrorFactorType = "NDT" }, "registration_error_factor_type"},
		{"zero resolution", func(c *Config) { c.SubmapVoxelResolution = 0 }, "submap_voxel_resolution"},
		{"zero sampling rate", func(c *Config) { c.RandomSamplingRate = 0 }, "randomsampling_rate"},
		{"sampling rate above one", func(c *Config) { c.RandomSamplingRate = 1.5 }, "randomsampling_rate"},
		{"negative loop distance", func(c *Config) { c.MaxImplicitLoopDistance = -1 }, "max_implicit_loop_distance"},
		{"overlap above one", func(c *Config) { c.MinImplicitLoopOverlap = 1.1 }, "min_implicit_loop_overlap"},
		{"zero relinearize skip", func(c *Config) { c.ISAM2RelinearizeSkip = 0 }, "isam2_relinearize_skip"},
		{"zero relinearize thresh", func(c *Config) { c.ISAM2RelinearizeThresh = 0 }, "isam2_relinearize_thresh"},
		{"zero iterations", func(c *Config) { c.OptimizeIterations = 0 }, "optimize_iterations"},
		{"short sigmas", func(c *Config) { c.BetweenFactorSigmas = []float64{1, 1, 1} }, "between_factor_sigmas"},
		{"negative sigma", func(c *Config) { c.BetweenFactorSigmas = []float64{1, 1, 1, 1, 1, -1} }, "between_factor_sigmas"},
		{"zero prior sigma", func(c *Config) { c.PriorSigma = 0 }, "prior_sigma"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate("global_mapping")
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.expected)
			test.That(t, err.Error(), test.ShouldContainSubstring, "global_mapping")
		})
	}

	cfg := DefaultConfig()
	cfg.EnableGPU = true
	cfg.RegistrationErrorFactorType = ErrorFactorVGICPGPU
	test.That(t, cfg.Validate("global_mapping"), test.ShouldBeNil)
	test.That(t, cfg.parallelMatchingCost(), test.ShouldBeTrue)
}

func TestTransformAttributeMapToStruct(t *testing.T) {
	cfg, err := TransformAttributeMapToStruct(AttributeMap{
		"enable_imu":                 false,
		"max_implicit_loop_distance": "50",
		"isam2_relinearize_skip":     2.0,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.EnableIMU, test.ShouldBeFalse)
	test.That(t, cfg.MaxImplicitLoopDistance, test.ShouldEqual, 50.0)
	test.That(t, cfg.ISAM2RelinearizeSkip, test.ShouldEqual, 2)
	test.That(t, cfg.MinImplicitLoopOverlap, test.ShouldEqual, DefaultConfig().MinImplicitLoopOverlap)

	_, err = TransformAttributeMapToStruct(AttributeMap{"enable_lidar": true})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "enable_lidar")
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)
	return path
}

func TestReadConfig(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		path := writeConfig(t, "config.json", `{
			"enable_imu": false,
			"enable_between_factors": true,
			"between_registration_type": "NONE",
			"submap_voxel_resolution": 0.25,
			"use_isam2_dogleg": true
		}`)
		cfg, err := ReadConfig(path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.EnableIMU, test.ShouldBeFalse)
		test.That(t, cfg.EnableBetweenFactors, test.ShouldBeTrue)
		test.That(t, cfg.BetweenRegistrationType, test.ShouldEqual, RegistrationNone)
		test.That(t, cfg.SubmapVoxelResolution, test.ShouldEqual, 0.25)
		test.That(t, cfg.SmootherParams().UseDogleg, test.ShouldBeTrue)
		test.That(t, cfg.RandomSamplingRate, test.ShouldEqual, 1.0)
	})

	t.Run("toml", func(t *testing.T) {
		path := writeConfig(t, "config.toml", `
enable_gpu = true
registration_error_factor_type = "VGICP_GPU"
randomsampling_rate = 0.5
isam2_relinearize_skip = 3
reevaluate_loops_on_optimize = true
between_factor_sigmas = [0.2, 0.2, 0.2, 0.02, 0.02, 0.02]
`)
		cfg, err := ReadConfig(path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.parallelMatchingCost(), test.ShouldBeTrue)
		test.That(t, cfg.RandomSamplingRate, test.ShouldEqual, 0.5)
		test.That(t, cfg.ISAM2RelinearizeSkip, test.ShouldEqual, 3)
		test.That(t, cfg.ReevaluateLoopsOnOptimize, test.ShouldBeTrue)
		test.That(t, cfg.betweenSigmas(), test.ShouldResemble, [6]float64{0.2, 0.2, 0.2, 0.02, 0.02, 0.02})
	})

	t.Run("invalid values", func(t *testing.T) {
		_, err := ReadConfig(writeConfig(t, "config.json", `{"submap_voxel_resolution": -1}`))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "submap_voxel_resolution")
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := ReadConfig(writeConfig(t, "config.toml", `voxel_size = 2.0`))
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		_, err := ReadConfig(writeConfig(t, "config.yaml", `enable_imu: false`))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "unsupported")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ReadConfig(filepath.Join(t.TempDir(), "nope.json"))
		test.That(t, err, test.ShouldNotBeNil)
	})
}
