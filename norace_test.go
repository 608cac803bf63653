//go:build !race

package imagesearch

const raceEnabled = false
