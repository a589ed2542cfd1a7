package fsdpparam

// ShardedState describes whether a parameter (or a whole group) currently
// holds only its local shard, or has been gathered into its full,
// unsharded form.
type ShardedState int

//go:generate go tool enumer -type=ShardedState -output=state_sharded_string.go state.go

const (
	// Sharded is the steady state: only the local shard is resident.
	Sharded ShardedState = iota
	// Unsharded means the full, gathered parameter is resident.
	Unsharded
)

// TrainingState drives stream selection and prefetch policy.
type TrainingState int

//go:generate go tool enumer -type=TrainingState -output=state_training_string.go state.go

const (
	Idle TrainingState = iota
	Forward
	PreBackward
	PostBackward
)
