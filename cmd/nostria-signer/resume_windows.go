package main

import "os"

var resumeSignals []os.Signal
