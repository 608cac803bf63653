//go:build race

package imagesearch

const raceEnabled = true
