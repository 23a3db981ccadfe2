package acquisition

//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/banshee-data/rplidar-osc/internal/acquisition Transmitter,SampleSource
