package trainconfig

// Flag names of the fixed arguments every invocation carries.
const (
	FlagTrainDataDir     = "--train_data_dir"
	FlagOutputDir        = "--output_dir"
	FlagDataloaderConfig = "--dataloader_config"
)

// BuildArgs encodes cfg into the trainer's argument vector.
//
// The vector always starts with the dataset and output directory pairs. Each
// entry then contributes, in order:
//
//	true            --key
//	false           nothing
//	scalar          --key <value>        (omitted when "" or numeric zero)
//	list            --key <item> ...     (one pair per item; omitted when empty)
//	null / object   nothing
//
// When dataloaderPath is non-empty a trailing --dataloader_config pair points
// at the persisted file; the trainer re-reads it from disk.
func BuildArgs(cfg Config, datasetPath, outputDir, dataloaderPath string) []string {
	args := []string{
		FlagTrainDataDir, datasetPath,
		FlagOutputDir, outputDir,
	}

	for _, e := range cfg.entries {
		args = appendEntry(args, e.Key, e.Value)
	}

	if dataloaderPath != "" {
		args = append(args, FlagDataloaderConfig, dataloaderPath)
	}
	return args
}

func appendEntry(args []string, key string, v Value) []string {
	flag := "--" + key
	switch v.kind {
	case KindBool:
		if v.boolean {
			args = append(args, flag)
		}
	case KindScalar:
		if v.Truthy() {
			args = append(args, flag, v.text)
		}
	case KindList:
		for _, item := range v.items {
			args = append(args, flag, item.String())
		}
	}
	return args
}
