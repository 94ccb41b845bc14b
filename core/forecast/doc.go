// Package forecast defines the pluggable forecasting oracle used by loads,
// generators and grids. SeasonalMean is a lightweight statistical forecaster
// and MockProvider returns fixed values for tests.
package forecast
