package logging

import (
	"log"
	"os"
)

var (
	S3       = log.New(os.Stdout, "[s3] ", log.LstdFlags)
	Pay      = log.New(os.Stdout, "[pay] ", log.LstdFlags)
	Internal = log.New(os.Stdout, "[internal] ", log.LstdFlags)
	HTTP     = log.New(os.Stdout, "[http] ", log.LstdFlags)
)
