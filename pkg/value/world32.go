//go:build vrtree_world32

package value

// WorldSize is the byte width of a world float in this build.
const WorldSize = 4
