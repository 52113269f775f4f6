package bufcache

type Options struct {
	Capacity  int // number of buffer slots
	BlockSize int // bytes per block
}

var DefaultOptions = Options{
	Capacity:  64,
	BlockSize: 512,
}

type Option func(*Options)

func WithCapacity(n int) Option {
	return func(o *Options) {
		o.Capacity = n
	}
}

func WithBlockSize(n int) Option {
	return func(o *Options) {
		o.BlockSize = n
	}
}
